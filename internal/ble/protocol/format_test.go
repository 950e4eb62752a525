package protocol

import (
	"bytes"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"ascii", []byte("OK\r\n"), "OK\r\n"},
		{"empty", nil, ""},
		{"utf8", []byte("temp 4°C"), "temp 4°C"},
		{"split rune", []byte{'a', 0xc2}, "a\uFFFD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DecodeText(tt.in); got != tt.want {
				t.Errorf("DecodeText(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIntValuesUnsigned(t *testing.T) {
	got := IntValues([]byte{0x00, 0x7f, 0x80, 0xff})
	want := []int{0, 127, 128, 255}
	if len(got) != len(want) {
		t.Fatalf("IntValues() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("IntValues()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestHexString(t *testing.T) {
	if got := HexString([]byte{0x01, 0x0a, 0xff}); got != "01 0a ff" {
		t.Errorf("HexString() = %q, want %q", got, "01 0a ff")
	}
	if got := HexString(nil); got != "" {
		t.Errorf("HexString(nil) = %q, want empty", got)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in      string
		want    []byte
		wantErr bool
	}{
		{in: "*ver?", want: []byte("*ver?")},
		{in: `log\r\n`, want: []byte("log\r\n")},
		{in: `\x01\xff`, want: []byte{0x01, 0xff}},
		{in: `say "hi"\n`, want: []byte("say \"hi\"\n")},
		{in: `café`, want: []byte("café")},
		{in: `bad\q`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCommand(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCommand(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Errorf("ParseCommand(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRenderText(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, FormatText, "id", [][]byte{[]byte("ab"), []byte("c\n")}, []string{"ab", "c\n"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if buf.String() != "abc\n" {
		t.Errorf("Render(text) = %q, want %q", buf.String(), "abc\n")
	}
}

func TestRenderTextRejoinsSplitRune(t *testing.T) {
	raw := [][]byte{{'t', '=', 0xc3}, {0xa9, '\n'}}
	text := []string{DecodeText(raw[0]), DecodeText(raw[1])}

	var buf bytes.Buffer
	if err := Render(&buf, FormatText, "", raw, text); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if buf.String() != "t=\u00e9\n" {
		t.Errorf("Render(text) = %q, want %q", buf.String(), "t=\u00e9\n")
	}
}

func TestRenderHex(t *testing.T) {
	var buf bytes.Buffer
	raw := [][]byte{{0x01, 0x02}, {0x03}}
	if err := Render(&buf, FormatHex, "", raw, []string{"", ""}); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := "01 02\n03\n"
	if buf.String() != want {
		t.Errorf("Render(hex) = %q, want %q", buf.String(), want)
	}
}

func TestRenderYAMLRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	raw := [][]byte{{0x01, 0x02}, {0x03}, {0x04, 0x05, 0x06}}
	text := []string{"\x01\x02", "\x03", "\x04\x05\x06"}
	if err := Render(&buf, FormatYAML, "abc", raw, text); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	var doc yamlResult
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("rendered yaml does not parse: %v\n%s", err, buf.String())
	}
	if doc.ID != "abc" {
		t.Errorf("id = %q, want %q", doc.ID, "abc")
	}
	if len(doc.Raw) != 3 || len(doc.Raw[2]) != 3 || doc.Raw[2][2] != 6 {
		t.Errorf("raw = %v, want [[1 2] [3] [4 5 6]]", doc.Raw)
	}
	if len(doc.Text) != 3 || doc.Text[1] != "\x03" {
		t.Errorf("text = %q, want %q", doc.Text, text)
	}
}

func TestRenderUnknownFormat(t *testing.T) {
	err := Render(&bytes.Buffer{}, "xml", "", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "xml") {
		t.Errorf("Render(xml) error = %v, want unknown format error", err)
	}
}
