package ble

import (
	"errors"
	"testing"
	"time"
)

func TestScanCacheResolveIgnoresCase(t *testing.T) {
	cache := NewScanCache()
	cache.Add(Device{Name: "Sensor-1", Address: "aa:bb:cc:dd:ee:ff", RSSI: -60})

	d, ok := cache.Resolve("AA:BB:CC:DD:EE:FF")
	if !ok {
		t.Fatal("Resolve() did not find device by upper-case address")
	}
	if d.Name != "Sensor-1" {
		t.Errorf("Name = %q, want %q", d.Name, "Sensor-1")
	}
	if _, ok := cache.Resolve("11:22:33:44:55:66"); ok {
		t.Error("Resolve() found a device that was never scanned")
	}
}

func TestScanCacheDevicesSortedBySignal(t *testing.T) {
	cache := NewScanCache()
	cache.Add(
		Device{Address: "01:00:00:00:00:00", RSSI: -80},
		Device{Address: "02:00:00:00:00:00", RSSI: -40},
		Device{Address: "03:00:00:00:00:00", RSSI: -60},
	)
	got := cache.Devices()
	want := []string{"02:00:00:00:00:00", "03:00:00:00:00:00", "01:00:00:00:00:00"}
	if len(got) != len(want) {
		t.Fatalf("got %d devices, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Address != want[i] {
			t.Errorf("Devices()[%d] = %s, want %s", i, got[i].Address, want[i])
		}
	}
}

func TestScanForDevices(t *testing.T) {
	scanner := &mockScanner{devices: []Device{
		{Name: "Sensor-1", Address: testAddress, RSSI: -45},
		{Name: "Sensor-2", Address: "11:22:33:44:55:66", RSSI: -70},
	}}
	cache := NewScanCache()

	n, err := ScanForDevices(scanner, cache, "", 5*time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if n != 2 {
		t.Errorf("found %d devices, want 2", n)
	}
	if _, ok := cache.Resolve("11:22:33:44:55:66"); !ok {
		t.Error("scanned device missing from cache")
	}
}

func TestScanForDevicesStopsAtWantedAddress(t *testing.T) {
	scanner := &mockScanner{devices: []Device{
		{Name: "Sensor-1", Address: testAddress},
		{Name: "Sensor-2", Address: "11:22:33:44:55:66"},
	}}
	cache := NewScanCache()

	n, err := ScanForDevices(scanner, cache, "aa:bb:cc:dd:ee:ff", 5*time.Second)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if n != 1 || scanner.reported != 1 {
		t.Errorf("found %d devices (%d reported), want scan to stop after 1", n, scanner.reported)
	}
}

func TestScanForDevicesErrors(t *testing.T) {
	if _, err := ScanForDevices(&mockScanner{enableErr: errors.New("powered off")}, NewScanCache(), "", time.Second); err == nil {
		t.Error("ScanForDevices() should fail when the adapter cannot be enabled")
	}
	if _, err := ScanForDevices(&mockScanner{scanErr: errors.New("busy")}, NewScanCache(), "", time.Second); err == nil {
		t.Error("ScanForDevices() should fail when scanning fails")
	}
}

func TestSameUUID(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{CCCDUUID, "00002902-0000-1000-8000-00805F9B34FB", true},
		{TXCharUUID, RXCharUUID, false},
		{"not-a-uuid", "NOT-A-UUID", true},
		{"not-a-uuid", CCCDUUID, false},
	}
	for _, tt := range tests {
		if got := SameUUID(tt.a, tt.b); got != tt.want {
			t.Errorf("SameUUID(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
