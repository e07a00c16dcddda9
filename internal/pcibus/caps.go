package pcibus

import (
	"fmt"
	"log/slog"
)

// Capability identifiers recognized by the walk.
const (
	CapPowerManagement = 0x01
	CapVPD             = 0x03
	CapMSI             = 0x05
	CapPCIExpress      = 0x10
	CapMSIX            = 0x11
)

// capWalkLimit bounds the list walk so a malformed or circular list cannot
// hang detection.
const capWalkLimit = 16

// Capabilities records where each recognized capability sits in config
// space. A zero offset means the capability is absent.
type Capabilities struct {
	PowerManagement uint8
	VPD             uint8
	MSI             uint8
	PCIExpress      uint8
	MSIX            uint8
}

// WalkCapabilities traverses the classic capability list of a function.
// Devices without a capability list return an empty set, not an error.
func WalkCapabilities(cs ConfigSpace) (Capabilities, error) {
	var caps Capabilities

	status, err := cs.ReadConfig(RegStatus, 2)
	if err != nil {
		return caps, fmt.Errorf("read status: %w", err)
	}
	if status&StatusCapList == 0 {
		return caps, nil
	}

	first, err := cs.ReadConfig(RegCapPointer, 1)
	if err != nil {
		return caps, fmt.Errorf("read capability pointer: %w", err)
	}
	ptr := uint8(first)
	if !validCapPointer(ptr) {
		slog.Debug("pcibus: invalid capability pointer", "ptr", fmt.Sprintf("%#02x", ptr))
		return caps, nil
	}

	for i := 0; ptr != 0 && i < capWalkLimit; i++ {
		header, err := cs.ReadConfig(uint16(ptr), 2)
		if err != nil {
			return caps, fmt.Errorf("read capability header at %#02x: %w", ptr, err)
		}
		id := uint8(header)
		next := uint8(header >> 8)

		switch id {
		case CapPowerManagement:
			caps.PowerManagement = ptr
		case CapVPD:
			caps.VPD = ptr
		case CapMSI:
			caps.MSI = ptr
		case CapPCIExpress:
			caps.PCIExpress = ptr
		case CapMSIX:
			caps.MSIX = ptr
		default:
			slog.Debug("pcibus: unrecognized capability", "id", fmt.Sprintf("%#02x", id), "ptr", fmt.Sprintf("%#02x", ptr))
		}

		if next != 0 && !validCapPointer(next) {
			slog.Warn("pcibus: malformed next capability pointer", "ptr", fmt.Sprintf("%#02x", next))
			return caps, nil
		}
		ptr = next
		if i == capWalkLimit-1 && ptr != 0 {
			return caps, fmt.Errorf("pcibus: capability list exceeds %d entries", capWalkLimit)
		}
	}

	return caps, nil
}

// Capability pointers must land past the standard header and be
// dword aligned.
func validCapPointer(ptr uint8) bool {
	return ptr >= 0x40 && ptr&0x03 == 0
}
