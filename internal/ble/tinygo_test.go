package ble

import (
	"testing"

	"tinygo.org/x/bluetooth"
)

func TestUUIDsMatchTinyGo(t *testing.T) {
	tests := []struct {
		name string
		ours string
		want bluetooth.UUID
	}{
		{"service", ServiceUUID, bluetooth.ServiceUUIDNordicUART},
		{"rx", RXCharUUID, bluetooth.CharacteristicUUIDUARTRX},
		{"tx", TXCharUUID, bluetooth.CharacteristicUUIDUARTTX},
	}
	for _, tt := range tests {
		if !SameUUID(tt.ours, tt.want.String()) {
			t.Errorf("%s UUID = %s, tinygo has %s", tt.name, tt.ours, tt.want.String())
		}
	}
}

func TestCharKeyCanonical(t *testing.T) {
	upper := charKey("6E400001-B5A3-F393-E0A9-E50E24DCCA9E", "6E400003-B5A3-F393-E0A9-E50E24DCCA9E")
	if upper != charKey(ServiceUUID, TXCharUUID) {
		t.Errorf("charKey is case sensitive: %q", upper)
	}
}

func TestOpenRejectsUnscannedDevice(t *testing.T) {
	a := NewTinyGoAdapter()
	for _, d := range []Device{{Address: testAddress}, {Address: "not-an-address"}, {}} {
		conn, err := a.Open(d, nil)
		if err == nil {
			t.Errorf("Open(%q) error = nil, want rejection", d.Address)
		}
		if conn != nil {
			t.Errorf("Open(%q) returned a connection", d.Address)
		}
	}
	if len(a.connections) != 0 {
		t.Errorf("connections = %d after rejected opens, want 0", len(a.connections))
	}
}

func TestTinyGoAdapterImplementsInterfaces(t *testing.T) {
	var _ Adapter = (*TinyGoAdapter)(nil)
	var _ Scanner = (*TinyGoAdapter)(nil)
	var _ Connection = (*tinyGoConnection)(nil)
	var _ Characteristic = (*tinyGoCharacteristic)(nil)
}
