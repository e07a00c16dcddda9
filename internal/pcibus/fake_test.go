package pcibus

import (
	"errors"
	"fmt"
)

// fakeFunction models one PCI function's config space for tests. BAR
// registers behave like hardware: only the bits in barMask are writable,
// the bits in barFlags always read back set, so writing all-ones reads
// back the size mask and rewriting the saved value restores it.
type fakeFunction struct {
	regs     map[uint16]uint32 // dword-aligned storage
	barMask  map[uint16]uint32
	barFlags map[uint16]uint32

	stickyAfter map[uint16]int   // drop writes to a register after N land
	writesSeen  map[uint16]int
	failRead    map[uint16]error // reads at these registers fail
	failWrite   map[uint16]error

	writes int
}

func newFakeFunction(vendor, device uint16) *fakeFunction {
	f := &fakeFunction{
		regs:        make(map[uint16]uint32),
		barMask:     make(map[uint16]uint32),
		barFlags:    make(map[uint16]uint32),
		stickyAfter: make(map[uint16]int),
		writesSeen:  make(map[uint16]int),
		failRead:    make(map[uint16]error),
		failWrite:   make(map[uint16]error),
	}
	f.regs[0x00] = uint32(device)<<16 | uint32(vendor)
	f.regs[0x04] = uint32(CommandIOEnable|CommandMemEnable|CommandMasterEnable) // command + status
	return f
}

// setBAR installs a BAR with the given decoded size. flags carries the low
// type bits (bit 0 I/O, bits 2:1 memory type, bit 3 prefetch).
func (f *fakeFunction) setBAR(index int, base uint32, size uint32, flags uint32) {
	reg := uint16(RegBAR0 + 4*index)
	mask := ^(size - 1)
	f.barMask[reg] = mask
	f.barFlags[reg] = flags
	f.regs[reg] = base&mask | flags
}

// setBAR64 installs a 64-bit memory BAR. sizeHigh/sizeLow form the 64-bit
// size; high base bits live in the adjoining register.
func (f *fakeFunction) setBAR64(index int, base uint64, size uint64, prefetch bool) {
	low := uint16(RegBAR0 + 4*index)
	high := low + 4
	flags := uint32(0x4)
	if prefetch {
		flags |= 0x8
	}
	mask := ^(size - 1)
	f.barMask[low] = uint32(mask)
	f.barFlags[low] = flags
	f.regs[low] = uint32(base)&uint32(mask) | flags
	f.barMask[high] = uint32(mask >> 32)
	f.barFlags[high] = 0
	f.regs[high] = uint32(base>>32) & uint32(mask>>32)
}

func (f *fakeFunction) setStatus(status uint16) {
	f.regs[0x04] = f.regs[0x04]&0xFFFF | uint32(status)<<16
}

func (f *fakeFunction) setCap(ptr uint16, id, next uint8) {
	f.regs[ptr&^3] = setBytes(f.regs[ptr&^3], ptr, 2, uint32(next)<<8|uint32(id))
}

func (f *fakeFunction) command() uint16 {
	return uint16(f.regs[0x04])
}

func (f *fakeFunction) bar(index int) uint32 {
	return f.regs[uint16(RegBAR0+4*index)]
}

func (f *fakeFunction) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err, ok := f.failRead[offset]; ok {
		return 0, err
	}
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("fake: bad access size %d", size)
	}
	if offset%uint16(size) != 0 {
		return 0, fmt.Errorf("fake: misaligned access at %#x size %d", offset, size)
	}
	word := f.regs[offset&^3]
	shift := (offset & 3) * 8
	value := word >> shift
	switch size {
	case 1:
		value &= 0xFF
	case 2:
		value &= 0xFFFF
	}
	return value, nil
}

func (f *fakeFunction) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err, ok := f.failWrite[offset]; ok {
		return err
	}
	f.writes++
	if limit, ok := f.stickyAfter[offset]; ok {
		f.writesSeen[offset]++
		if f.writesSeen[offset] > limit {
			return nil // write silently has no effect
		}
	}
	aligned := offset &^ 3
	word := setBytes(f.regs[aligned], offset, size, value)
	if mask, ok := f.barMask[aligned]; ok && offset == aligned && size == 4 {
		word = value&mask | f.barFlags[aligned]
	}
	f.regs[aligned] = word
	return nil
}

func setBytes(word uint32, offset uint16, size uint8, value uint32) uint32 {
	shift := (offset & 3) * 8
	var mask uint32
	switch size {
	case 1:
		mask = 0xFF
	case 2:
		mask = 0xFFFF
	default:
		mask = 0xFFFFFFFF
	}
	return word&^(mask<<shift) | (value&mask)<<shift
}

var errInjected = errors.New("injected access fault")

var _ ConfigSpace = (*fakeFunction)(nil)
