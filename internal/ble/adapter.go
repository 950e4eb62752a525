// Package ble drives a single command/response exchange with a peripheral
// exposing the Nordic UART service. It handles connection setup, reconnection,
// notification arming and collection of the streamed response.
package ble

import (
	"strings"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// Nordic UART service UUIDs. These must match the peripheral firmware exactly.
const (
	ServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	RXCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // central -> peripheral (write)
	TXCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // peripheral -> central (notify)
	CCCDUUID    = "00002902-0000-1000-8000-00805f9b34fb" // client characteristic configuration
)

// EnableNotificationValue is written to the CCCD to turn notifications on.
var EnableNotificationValue = []byte{0x01, 0x00}

// Device is a peripheral handle previously discovered by a scan.
type Device struct {
	Name    string
	Address string
	RSSI    int

	// addr is the native address recorded at scan time. Devices built any
	// other way have hasAddr unset and cannot be opened by TinyGoAdapter.
	addr    bluetooth.Address
	hasAddr bool
}

// Locator resolves a device identifier to a previously discovered device.
type Locator interface {
	Resolve(id string) (Device, bool)
}

// Characteristic represents a GATT characteristic on a connected peripheral.
type Characteristic interface {
	UUID() string
	// EnableNotifications turns on local delivery of notifications for this
	// characteristic. Values arrive through the connection's EventHandler.
	EnableNotifications() error
	// WriteDescriptor writes value to the descriptor with the given UUID.
	// Completion is reported through EventHandler.DescriptorWritten.
	WriteDescriptor(descriptorUUID string, value []byte) error
	// Write enqueues value for transmission. It returns false if the
	// transport refused to enqueue it.
	Write(value []byte) bool
}

// Connection is one live connection attempt to a peripheral.
type Connection interface {
	// DiscoverServices starts service discovery. Completion is reported
	// through EventHandler.ServicesDiscovered.
	DiscoverServices() error
	// Characteristic looks up a discovered characteristic within a service.
	Characteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect asks the peripheral to drop the link.
	Disconnect() error
	// Close releases the connection. No events are delivered after Close.
	Close() error
}

// EventHandler receives asynchronous transport events for one connection.
// A transport delivers events for a given connection one at a time.
type EventHandler interface {
	ConnectionStateChanged(connected bool, err error)
	ServicesDiscovered(err error)
	DescriptorWritten(descriptorUUID string, err error)
	CharacteristicNotified(charUUID string, value []byte)
}

// Adapter abstracts the BLE stack for testing.
type Adapter interface {
	// Open starts connecting to device. The result of the attempt is reported
	// through events.ConnectionStateChanged. An error means the connection
	// could not even be started.
	Open(device Device, events EventHandler) (Connection, error)
}

// SameUUID reports whether a and b name the same UUID, ignoring case and
// formatting differences.
func SameUUID(a, b string) bool {
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	if errA != nil || errB != nil {
		return strings.EqualFold(a, b)
	}
	return ua == ub
}
