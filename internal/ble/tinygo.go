package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. It is both the Scanner that
// fills a ScanCache and the Adapter sessions open connections through.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by cacheKey(address)
}

var (
	_ Adapter = (*TinyGoAdapter)(nil)
	_ Scanner = (*TinyGoAdapter)(nil)
)

// NewTinyGoAdapter creates an adapter over the default BLE interface.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

// Enable powers on the adapter and installs the disconnect router. Later
// calls return the first result.
func (a *TinyGoAdapter) Enable() error {
	a.enableOnce.Do(func() {
		if err := a.adapter.Enable(); err != nil {
			a.enableErr = err
			return
		}
		// Connects are reported when Connect returns; only drops are routed
		// from here.
		a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			a.mu.Lock()
			conn, ok := a.connections[cacheKey(device.Address.String())]
			a.mu.Unlock()
			if ok {
				conn.emit(func(h EventHandler) { h.ConnectionStateChanged(false, nil) })
			}
		})
	})
	return a.enableErr
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string, found func(Device)) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		if seen[addr] {
			mu.Unlock()
			return
		}
		seen[addr] = true
		mu.Unlock()

		found(Device{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
			addr:    result.Address,
			hasAddr: true,
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// Open starts an asynchronous connect to device, which must come from Scan.
func (a *TinyGoAdapter) Open(device Device, events EventHandler) (Connection, error) {
	// tinygo's Address.Set ignores parse errors, so only scanned addresses
	// are trusted.
	if !device.hasAddr {
		return nil, fmt.Errorf("ble: device %q was not found by a scan", device.Address)
	}
	if err := a.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	addr := device.addr

	conn := &tinyGoConnection{
		owner:  a,
		key:    cacheKey(device.Address),
		events: events,
		chars:  make(map[string]bluetooth.DeviceCharacteristic),
	}
	a.mu.Lock()
	a.connections[conn.key] = conn
	a.mu.Unlock()

	go func() {
		// Connect blocks with its own timeout.
		dev, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		conn.mu.Lock()
		if conn.closed {
			conn.mu.Unlock()
			if err == nil {
				_ = dev.Disconnect()
			}
			return
		}
		if err == nil {
			conn.device = &dev
		}
		conn.mu.Unlock()

		if err != nil {
			err = fmt.Errorf("ble: connect to %s: %w", device.Address, err)
		}
		conn.emit(func(h EventHandler) { h.ConnectionStateChanged(err == nil, err) })
	}()
	return conn, nil
}

func (a *TinyGoAdapter) forget(conn *tinyGoConnection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connections[conn.key] == conn {
		delete(a.connections, conn.key)
	}
}

type tinyGoConnection struct {
	owner  *TinyGoAdapter
	key    string
	events EventHandler

	mu     sync.Mutex
	device *bluetooth.Device
	chars  map[string]bluetooth.DeviceCharacteristic // keyed by charKey
	closed bool
}

func charKey(serviceUUID, charUUID string) string {
	return canonicalUUID(serviceUUID) + "/" + canonicalUUID(charUUID)
}

func canonicalUUID(s string) string {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		return s
	}
	return u.String()
}

// emit delivers an event unless the connection has been closed.
func (c *tinyGoConnection) emit(fn func(EventHandler)) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		fn(c.events)
	}
}

func (c *tinyGoConnection) connectedDevice() (*bluetooth.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("ble: connection closed")
	}
	if c.device == nil {
		return nil, errors.New("ble: not connected")
	}
	return c.device, nil
}

func (c *tinyGoConnection) DiscoverServices() error {
	dev, err := c.connectedDevice()
	if err != nil {
		return err
	}
	svcUUID, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return err
	}

	go func() {
		err := c.discover(dev, svcUUID)
		c.emit(func(h EventHandler) { h.ServicesDiscovered(err) })
	}()
	return nil
}

func (c *tinyGoConnection) discover(dev *bluetooth.Device, svcUUID bluetooth.UUID) error {
	svcs, err := dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return fmt.Errorf("ble: discover services: %w", err)
	}
	found := make(map[string]bluetooth.DeviceCharacteristic)
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return fmt.Errorf("ble: discover characteristics: %w", err)
		}
		for _, ch := range chars {
			found[charKey(svc.UUID().String(), ch.UUID().String())] = ch
		}
	}

	c.mu.Lock()
	for k, ch := range found {
		c.chars[k] = ch
	}
	c.mu.Unlock()
	return nil
}

func (c *tinyGoConnection) Characteristic(serviceUUID, charUUID string) (Characteristic, error) {
	c.mu.Lock()
	ch, ok := c.chars[charKey(serviceUUID, charUUID)]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s not found in service %s", charUUID, serviceUUID)
	}
	return &tinyGoCharacteristic{conn: c, char: ch}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	dev, err := c.connectedDevice()
	if err != nil {
		return err
	}
	return dev.Disconnect()
}

// Close stops event delivery and drops the link if it is still up.
func (c *tinyGoConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dev := c.device
	c.device = nil
	c.mu.Unlock()

	c.owner.forget(c)
	if dev == nil {
		return nil
	}
	if err := dev.Disconnect(); err != nil {
		slog.Debug("[BLE] disconnect on close", "error", err)
	}
	return nil
}

type tinyGoCharacteristic struct {
	conn   *tinyGoConnection
	char   bluetooth.DeviceCharacteristic
	notify bool
}

func (c *tinyGoCharacteristic) UUID() string {
	return c.char.UUID().String()
}

// EnableNotifications marks the characteristic for notification delivery.
// The stack only subscribes once the CCCD is written.
func (c *tinyGoCharacteristic) EnableNotifications() error {
	c.notify = true
	return nil
}

// WriteDescriptor supports only the CCCD: tinygo writes it as part of
// subscribing, so the subscribe result is reported as the descriptor ack.
func (c *tinyGoCharacteristic) WriteDescriptor(descriptorUUID string, value []byte) error {
	if !SameUUID(descriptorUUID, CCCDUUID) {
		return fmt.Errorf("ble: unsupported descriptor %s", descriptorUUID)
	}
	if !c.notify {
		return errors.New("ble: notifications not enabled for characteristic")
	}
	if len(value) == 0 || value[0]&0x01 == 0 {
		return fmt.Errorf("ble: unsupported CCCD value %x", value)
	}

	uuid := c.UUID()
	go func() {
		err := c.char.EnableNotifications(func(buf []byte) {
			c.conn.emit(func(h EventHandler) { h.CharacteristicNotified(uuid, buf) })
		})
		c.conn.emit(func(h EventHandler) { h.DescriptorWritten(descriptorUUID, err) })
	}()
	return nil
}

func (c *tinyGoCharacteristic) Write(value []byte) bool {
	if _, err := c.char.WriteWithoutResponse(value); err != nil {
		slog.Warn("[BLE] write refused", "error", err)
		return false
	}
	return true
}
