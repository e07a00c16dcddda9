// Package driver defines the boundary between the loader core and chipset
// driver implementations: the operations every driver provides, the
// hardware-configuration record it is attached with, and the versioned
// wrapper the bridge calls through. The wrapper carries an explicit version
// tag that must pass a compatibility check before any call is forwarded,
// so the core never calls into an implementation it has not vetted.
package driver

import (
	"errors"

	"github.com/etherlink/elcore/internal/registry"
)

// ErrNotValidated is returned when a versioned call is attempted before a
// successful compatibility check.
var ErrNotValidated = errors.New("driver: operations not validated for this interface version")

// HardwareConfig is everything a driver needs to attach to its device,
// assembled by the bridge from the detector's context.
type HardwareConfig struct {
	IOBase   uint16
	IRQ      uint8
	MAC      [6]byte
	VendorID uint16
	DeviceID uint16
	Revision uint8
	BusType  uint8
	Location registry.Location

	// Operator overrides from the loader configuration.
	ForcePIO        bool
	BusMastering    bool
	ChecksumOffload bool
}

// Statistics is the counter block drivers report.
type Statistics struct {
	TxPackets  uint64
	RxPackets  uint64
	TxErrors   uint64
	RxErrors   uint64
	Interrupts uint64
}

// Operations is the legacy operations table a chipset driver implements.
// Attach must verify the physical device before programming it; a device
// in the registry is only a candidate until Attach succeeds.
type Operations interface {
	// Attach verifies and configures the physical device.
	Attach(cfg *HardwareConfig) error
	// Detach quiesces the device and releases driver resources.
	Detach() error
	// Send queues one frame for transmission.
	Send(frame []byte) error
	// Receive copies the next pending frame into buf.
	Receive(buf []byte) (int, error)
	// HandleInterrupt services the device. Called only between a
	// successful ISR-guard enter and its matching exit.
	HandleInterrupt()
	// Statistics returns the driver's counters.
	Statistics() Statistics
	// MAC returns the station address read from the device.
	MAC() [6]byte
}
