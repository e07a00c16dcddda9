package pcibus

import (
	"errors"
	"fmt"
	"log/slog"
)

// BARKind classifies a base address register.
type BARKind uint8

const (
	BARNone     BARKind = iota // unimplemented
	BARIO                      // I/O space
	BARMemory32                // 32-bit memory space
	BARMemory64                // 64-bit memory space (consumes two registers)
)

func (k BARKind) String() string {
	switch k {
	case BARNone:
		return "none"
	case BARIO:
		return "io"
	case BARMemory32:
		return "mem32"
	case BARMemory64:
		return "mem64"
	default:
		return fmt.Sprintf("bar(%d)", k)
	}
}

// BARInfo is the result of sizing one base address register.
type BARInfo struct {
	Kind     BARKind
	Base     uint64
	Size     uint32
	Prefetch bool
}

// SizeBAR determines the address-space size a BAR decodes using the
// write-all-ones technique, without ever letting the device respond to a
// momentarily bogus address:
//
//  1. save the Command register and clear its I/O, memory, and bus-master
//     enables,
//  2. write all-ones to the BAR (both dwords for 64-bit memory BARs) and
//     read back the size mask,
//  3. restore the original BAR value and read back to verify it, then
//  4. restore the Command register and verify that too.
//
// If any restoration cannot be verified the routine returns ErrHardware and
// deliberately leaves the device's decodes disabled: a device that cannot be
// proven back in its original state must not be allowed to decode addresses.
// Sizes or bases needing 64-bit addressing beyond 4 GiB are rejected the
// same way, since nothing in this environment can map them.
//
// A 64-bit BAR occupies index and index+1; the caller skips the high half.
func SizeBAR(cs ConfigSpace, index int) (BARInfo, error) {
	if cs == nil {
		return BARInfo{}, fmt.Errorf("pcibus: nil config space")
	}
	if index < 0 || index >= BARCount {
		return BARInfo{}, fmt.Errorf("pcibus: BAR index %d out of range", index)
	}
	reg := uint16(RegBAR0 + 4*index)

	original, err := cs.ReadConfig(reg, 4)
	if err != nil {
		return BARInfo{}, fmt.Errorf("read BAR %d: %w", index, err)
	}
	if original == 0 {
		return BARInfo{Kind: BARNone}, nil
	}

	savedCommand, err := cs.ReadConfig(RegCommand, 2)
	if err != nil {
		return BARInfo{}, fmt.Errorf("read command register: %w", err)
	}
	if err := cs.WriteConfig(RegCommand, 2, savedCommand&^uint32(commandDecodeMask)); err != nil {
		return BARInfo{}, fmt.Errorf("disable decodes: %w", err)
	}

	info, err := sizeWithDecodesOff(cs, index, reg, original)
	if err != nil {
		if errors.Is(err, ErrHardware) {
			// Restoration failed or the size is unusable: decodes stay off.
			return BARInfo{}, err
		}
		// Plain access error mid-protocol; the BAR was never left dirty, so
		// put the Command register back before surfacing it.
		if restoreErr := restoreVerified(cs, RegCommand, 2, savedCommand, "command register"); restoreErr != nil {
			return BARInfo{}, restoreErr
		}
		return BARInfo{}, err
	}

	if err := restoreVerified(cs, RegCommand, 2, savedCommand, "command register"); err != nil {
		return BARInfo{}, err
	}
	return info, nil
}

// sizeWithDecodesOff runs the sizing sequence while the device's decodes
// are disabled. On a verified-restoration failure (or an unusable 64-bit
// size) it returns without touching the Command register, which leaves the
// decodes disabled. Fail disabled, never fail silently corrupted.
func sizeWithDecodesOff(cs ConfigSpace, index int, reg uint16, original uint32) (BARInfo, error) {
	if original&1 != 0 {
		mask, err := sizingMask(cs, reg, original)
		if err != nil {
			return BARInfo{}, err
		}
		info := BARInfo{Kind: BARIO, Base: uint64(original &^ uint32(0x3))}
		mask &= 0xFFFFFFFC
		if mask != 0 {
			info.Size = ^mask + 1
		}
		return info, nil
	}

	memType := (original >> 1) & 0x3
	prefetch := original&0x8 != 0

	if memType != 0x2 {
		mask, err := sizingMask(cs, reg, original)
		if err != nil {
			return BARInfo{}, err
		}
		info := BARInfo{Kind: BARMemory32, Base: uint64(original &^ uint32(0xF)), Prefetch: prefetch}
		mask &= 0xFFFFFFF0
		if mask != 0 {
			info.Size = ^mask + 1
		}
		return info, nil
	}

	// 64-bit memory BAR: the adjoining register holds the high dword.
	if index == BARCount-1 {
		return BARInfo{}, fmt.Errorf("pcibus: 64-bit BAR at last index %d has no high half", index)
	}
	highReg := reg + 4
	highOriginal, err := cs.ReadConfig(highReg, 4)
	if err != nil {
		return BARInfo{}, fmt.Errorf("read BAR %d high dword: %w", index, err)
	}

	if err := cs.WriteConfig(reg, 4, 0xFFFFFFFF); err != nil {
		return BARInfo{}, fmt.Errorf("size BAR %d low: %w", index, err)
	}
	if err := cs.WriteConfig(highReg, 4, 0xFFFFFFFF); err != nil {
		if restoreErr := restoreVerified(cs, reg, 4, original, "64-bit BAR low dword"); restoreErr != nil {
			return BARInfo{}, restoreErr
		}
		return BARInfo{}, fmt.Errorf("size BAR %d high: %w", index, err)
	}
	lowMask, lowErr := cs.ReadConfig(reg, 4)
	highMask, highErr := cs.ReadConfig(highReg, 4)

	// Restore both halves immediately, verifying each byte-for-byte.
	if err := restoreVerified(cs, reg, 4, original, "64-bit BAR low dword"); err != nil {
		return BARInfo{}, err
	}
	if err := restoreVerified(cs, highReg, 4, highOriginal, "64-bit BAR high dword"); err != nil {
		return BARInfo{}, err
	}
	if lowErr != nil {
		return BARInfo{}, fmt.Errorf("read BAR %d low mask: %w", index, lowErr)
	}
	if highErr != nil {
		return BARInfo{}, fmt.Errorf("read BAR %d high mask: %w", index, highErr)
	}

	lowMask &= 0xFFFFFFF0
	if lowMask == 0 && highMask == 0 {
		return BARInfo{Kind: BARNone}, nil
	}
	if highMask != 0xFFFFFFFF {
		// The size genuinely exceeds 4 GiB; nothing here can address it.
		slog.Warn("pcibus: 64-bit BAR size exceeds 4 GiB, leaving device disabled",
			"high_mask", fmt.Sprintf("%#08x", highMask),
			"low_mask", fmt.Sprintf("%#08x", lowMask))
		return BARInfo{}, fmt.Errorf("64-bit BAR size beyond 4 GiB: %w", ErrHardware)
	}
	if lowMask == 0 {
		// Degenerate exactly-4-GiB window.
		slog.Warn("pcibus: 64-bit BAR size is exactly 4 GiB, leaving device disabled")
		return BARInfo{}, fmt.Errorf("64-bit BAR size of 4 GiB: %w", ErrHardware)
	}
	if highOriginal != 0 {
		slog.Warn("pcibus: 64-bit BAR base above 4 GiB, leaving device disabled",
			"base_high", fmt.Sprintf("%#08x", highOriginal))
		return BARInfo{}, fmt.Errorf("64-bit BAR base beyond 4 GiB: %w", ErrHardware)
	}

	return BARInfo{
		Kind:     BARMemory64,
		Base:     uint64(original &^ uint32(0xF)),
		Size:     ^lowMask + 1,
		Prefetch: prefetch,
	}, nil
}

// sizingMask performs the write-all-ones/readback/restore sequence for a
// single-dword BAR and returns the raw size mask.
func sizingMask(cs ConfigSpace, reg uint16, original uint32) (uint32, error) {
	if err := cs.WriteConfig(reg, 4, 0xFFFFFFFF); err != nil {
		return 0, fmt.Errorf("size write at %#02x: %w", reg, err)
	}
	mask, readErr := cs.ReadConfig(reg, 4)
	// The register now holds all-ones; it must go back whether or not the
	// readback worked.
	if err := restoreVerified(cs, reg, 4, original, "BAR"); err != nil {
		return 0, err
	}
	if readErr != nil {
		return 0, fmt.Errorf("size readback at %#02x: %w", reg, readErr)
	}
	return mask, nil
}

// restoreVerified writes a saved register value back and reads it to prove
// the restoration took. Failure is ErrHardware: the caller must not
// re-enable the device.
func restoreVerified(cs ConfigSpace, reg uint16, size uint8, value uint32, what string) error {
	if err := cs.WriteConfig(reg, size, value); err != nil {
		slog.Error("pcibus: restoration write failed, decodes stay disabled",
			"register", what, "offset", fmt.Sprintf("%#02x", reg), "err", err)
		return fmt.Errorf("restore %s: %w", what, ErrHardware)
	}
	got, err := cs.ReadConfig(reg, size)
	if err != nil {
		slog.Error("pcibus: restoration unverifiable, decodes stay disabled",
			"register", what, "offset", fmt.Sprintf("%#02x", reg), "err", err)
		return fmt.Errorf("verify %s: %w", what, ErrHardware)
	}
	if got != value {
		slog.Error("pcibus: restoration verification mismatch, decodes stay disabled",
			"register", what,
			"offset", fmt.Sprintf("%#02x", reg),
			"expected", fmt.Sprintf("%#08x", value),
			"actual", fmt.Sprintf("%#08x", got))
		return fmt.Errorf("verify %s: expected %#08x got %#08x: %w", what, value, got, ErrHardware)
	}
	return nil
}
