// Package pcibus provides PCI configuration-space access for the hardware
// detector: register read/write at byte/word/dword granularity, a bounded
// capability-list walk, and the hardware-safe BAR sizing protocol.
//
// Everything operates through the ConfigSpace interface so the detector can
// run against the platform bus on a real host and against scripted fakes in
// tests.
package pcibus

import (
	"errors"
	"fmt"
)

// Standard configuration-space register offsets (type 0 header).
const (
	RegVendorID      = 0x00
	RegDeviceID      = 0x02
	RegCommand       = 0x04
	RegStatus        = 0x06
	RegRevision      = 0x08
	RegClassCode     = 0x09
	RegHeaderType    = 0x0E
	RegBAR0          = 0x10
	RegCapPointer    = 0x34
	RegInterruptLine = 0x3C
)

// Command register decode-enable bits.
const (
	CommandIOEnable     = 0x0001
	CommandMemEnable    = 0x0002
	CommandMasterEnable = 0x0004

	commandDecodeMask = CommandIOEnable | CommandMemEnable | CommandMasterEnable
)

// Status register bit indicating a capability list is present.
const StatusCapList = 0x0010

// BARCount is the number of base address registers in a type 0 header.
const BARCount = 6

// InvalidVendorID reads back from configuration space when no device
// responds at an address.
const InvalidVendorID = 0xFFFF

// ErrHardware is returned when the BAR sizing protocol could not verify a
// hardware-state restoration. The device's decodes are left disabled; the
// caller must treat the device as unusable rather than guess.
var ErrHardware = errors.New("pcibus: hardware state restoration unverified, decodes left disabled")

// ErrNoDevice is returned when no function responds at an address.
var ErrNoDevice = errors.New("pcibus: no device at address")

// Addr names one bus/device/function tuple.
type Addr struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Device, a.Function)
}

// ConfigSpace models configuration-space access for a single function.
// Size is 1, 2, or 4 bytes; offsets must be naturally aligned for the size.
type ConfigSpace interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Bus enumerates the functions present on the platform's PCI bus.
type Bus interface {
	// Devices lists every responding function.
	Devices() ([]Addr, error)
	// Function returns config-space access for one address, or ErrNoDevice.
	Function(addr Addr) (ConfigSpace, error)
}

// Identity is the fixed identification block of a function.
type Identity struct {
	VendorID  uint16
	DeviceID  uint16
	Revision  uint8
	ClassCode [3]byte // base, sub, prog-if
	IRQLine   uint8
}

// ReadIdentity reads the identification registers of a function.
func ReadIdentity(cs ConfigSpace) (Identity, error) {
	vendor, err := cs.ReadConfig(RegVendorID, 2)
	if err != nil {
		return Identity{}, fmt.Errorf("read vendor id: %w", err)
	}
	if uint16(vendor) == InvalidVendorID {
		return Identity{}, ErrNoDevice
	}
	device, err := cs.ReadConfig(RegDeviceID, 2)
	if err != nil {
		return Identity{}, fmt.Errorf("read device id: %w", err)
	}
	revClass, err := cs.ReadConfig(RegRevision, 4)
	if err != nil {
		return Identity{}, fmt.Errorf("read class code: %w", err)
	}
	irq, err := cs.ReadConfig(RegInterruptLine, 1)
	if err != nil {
		return Identity{}, fmt.Errorf("read interrupt line: %w", err)
	}
	return Identity{
		VendorID:  uint16(vendor),
		DeviceID:  uint16(device),
		Revision:  uint8(revClass),
		ClassCode: [3]byte{uint8(revClass >> 24), uint8(revClass >> 16), uint8(revClass >> 8)},
		IRQLine:   uint8(irq),
	}, nil
}
