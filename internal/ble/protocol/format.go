// Package protocol renders UART response fragments and parses command
// payloads for the Nordic UART exchange.
package protocol

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Output formats accepted by Render.
const (
	FormatText = "text"
	FormatHex  = "hex"
	FormatYAML = "yaml"
)

// DecodeText renders a fragment as text. Invalid UTF-8 sequences are
// replaced with U+FFFD, so a rune split across two fragments is lost in
// each half. Decode the joined bytes to recover it.
func DecodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

// IntValues returns the unsigned value of every byte in b.
func IntValues(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

// HexString renders b as space-separated lowercase hex pairs, e.g. "01 0a ff".
func HexString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b)*3 - 1)
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(hex.EncodeToString([]byte{v}))
	}
	return sb.String()
}

// ParseCommand converts a command as written in config or on the command
// line into its payload. Go escape sequences such as \r, \n and \x1b are
// interpreted; everything else is taken literally.
func ParseCommand(s string) ([]byte, error) {
	if !strings.Contains(s, `\`) {
		return []byte(s), nil
	}
	var out []byte
	for rest := s; len(rest) > 0; {
		if rest[0] == '"' {
			out = append(out, '"')
			rest = rest[1:]
			continue
		}
		r, multibyte, tail, err := strconv.UnquoteChar(rest, '"')
		if err != nil {
			return nil, fmt.Errorf("protocol: parse command %q: %w", s, err)
		}
		if multibyte {
			out = utf8.AppendRune(out, r)
		} else {
			out = append(out, byte(r))
		}
		rest = tail
	}
	return out, nil
}

// yamlResult is the document written by Render for FormatYAML. Raw bytes are
// emitted as integer lists rather than !!binary so they stay readable.
type yamlResult struct {
	ID   string   `yaml:"id,omitempty"`
	Raw  [][]int  `yaml:"raw"`
	Text []string `yaml:"text"`
}

// Render writes the fragments of one exchange to w in the given format.
func Render(w io.Writer, format, id string, raw [][]byte, text []string) error {
	switch format {
	case FormatText, "":
		// Fragments are chunks of one stream. Decode the joined bytes so a
		// rune split at a notification boundary survives.
		_, err := io.WriteString(w, DecodeText(bytes.Join(raw, nil)))
		return err
	case FormatHex:
		var buf bytes.Buffer
		for _, b := range raw {
			buf.WriteString(HexString(b))
			buf.WriteByte('\n')
		}
		_, err := w.Write(buf.Bytes())
		return err
	case FormatYAML:
		doc := yamlResult{ID: id, Raw: make([][]int, len(raw)), Text: text}
		for i, b := range raw {
			doc.Raw[i] = IntValues(b)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("protocol: encode yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("protocol: unknown output format %q", format)
	}
}
