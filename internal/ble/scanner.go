package ble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Scanner discovers advertising peripherals.
type Scanner interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports peripherals advertising serviceUUID to found until ctx
	// is done. Each address is reported at most once.
	Scan(ctx context.Context, serviceUUID string, found func(Device)) error
}

// ScanCache remembers scanned devices by address and serves as the Locator
// for sessions.
type ScanCache struct {
	mu      sync.RWMutex
	devices map[string]Device
}

var _ Locator = (*ScanCache)(nil)

// NewScanCache returns an empty cache.
func NewScanCache() *ScanCache {
	return &ScanCache{devices: make(map[string]Device)}
}

func cacheKey(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// Add records devices, replacing earlier entries for the same address.
func (c *ScanCache) Add(devices ...Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range devices {
		c.devices[cacheKey(d.Address)] = d
	}
}

// Resolve returns the device scanned under id. Addresses compare
// case-insensitively.
func (c *ScanCache) Resolve(id string) (Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[cacheKey(id)]
	return d, ok
}

// Devices returns every cached device, strongest signal first.
func (c *ScanCache) Devices() []Device {
	c.mu.RLock()
	out := make([]Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// ScanForDevices scans for UART peripherals for up to timeout and records
// them in cache. If want is non-empty the scan stops as soon as that address
// has been seen. It returns the number of devices found.
func ScanForDevices(scanner Scanner, cache *ScanCache, want string, timeout time.Duration) (int, error) {
	if err := scanner.Enable(); err != nil {
		return 0, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wantKey := cacheKey(want)
	var mu sync.Mutex
	n := 0
	err := scanner.Scan(ctx, ServiceUUID, func(d Device) {
		cache.Add(d)
		mu.Lock()
		n++
		mu.Unlock()
		if wantKey != "" && cacheKey(d.Address) == wantKey {
			cancel()
		}
	})
	if err != nil {
		return 0, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return n, nil
}
