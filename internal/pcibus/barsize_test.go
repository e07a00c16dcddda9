package pcibus

import (
	"errors"
	"testing"
)

const decodesOn = CommandIOEnable | CommandMemEnable | CommandMasterEnable

func TestSizeBARUnimplemented(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9200)
	writesBefore := f.writes

	info, err := SizeBAR(f, 2)
	if err != nil {
		t.Fatalf("SizeBAR: %v", err)
	}
	if info.Kind != BARNone {
		t.Errorf("kind = %v, want none", info.Kind)
	}
	if f.writes != writesBefore {
		t.Error("unimplemented BAR caused config writes")
	}
}

func TestSizeBARIO(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9200)
	f.setBAR(0, 0x300, 32, 0x1)

	info, err := SizeBAR(f, 0)
	if err != nil {
		t.Fatalf("SizeBAR: %v", err)
	}
	if info.Kind != BARIO || info.Size != 32 || info.Base != 0x300 {
		t.Errorf("info = %+v", info)
	}
	// Round trip: BAR and Command register back to their originals.
	if got := f.bar(0); got != 0x301 {
		t.Errorf("BAR after sizing = %#x, want 0x301", got)
	}
	if f.command() != decodesOn {
		t.Errorf("command after sizing = %#x, want %#x", f.command(), decodesOn)
	}
}

func TestSizeBARMemory32(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9055)
	f.setBAR(1, 0xFC000000, 0x10000, 0x8) // prefetchable 32-bit

	info, err := SizeBAR(f, 1)
	if err != nil {
		t.Fatalf("SizeBAR: %v", err)
	}
	if info.Kind != BARMemory32 || info.Size != 0x10000 || info.Base != 0xFC000000 || !info.Prefetch {
		t.Errorf("info = %+v", info)
	}
	if got := f.bar(1); got != 0xFC000008 {
		t.Errorf("BAR after sizing = %#x", got)
	}
	if f.command() != decodesOn {
		t.Errorf("command after sizing = %#x", f.command())
	}
}

func TestSizeBARMemory64(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9200)
	f.setBAR64(2, 0xE0000000, 0x10000, true)

	info, err := SizeBAR(f, 2)
	if err != nil {
		t.Fatalf("SizeBAR: %v", err)
	}
	if info.Kind != BARMemory64 || info.Size != 0x10000 || info.Base != 0xE0000000 || !info.Prefetch {
		t.Errorf("info = %+v", info)
	}
	if f.command() != decodesOn {
		t.Errorf("command after sizing = %#x", f.command())
	}
}

func TestSizeBAR64Beyond4GiB(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9902)
	f.setBAR64(0, 0xE0000000, 1<<33, false) // 8 GiB window

	_, err := SizeBAR(f, 0)
	if !errors.Is(err, ErrHardware) {
		t.Fatalf("SizeBAR = %v, want ErrHardware", err)
	}
	// The device must be left with decodes disabled, BARs restored.
	if f.command()&decodesOn != 0 {
		t.Errorf("decodes still enabled: command = %#x", f.command())
	}
	if got := f.bar(0); got != 0xE0000004 {
		t.Errorf("low BAR not restored: %#x", got)
	}
}

func TestSizeBAR64BaseAbove4GiB(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9902)
	f.setBAR64(0, 0x1_00000000, 0x10000, false)

	_, err := SizeBAR(f, 0)
	if !errors.Is(err, ErrHardware) {
		t.Fatalf("SizeBAR = %v, want ErrHardware", err)
	}
	if f.command()&decodesOn != 0 {
		t.Errorf("decodes still enabled: command = %#x", f.command())
	}
}

func TestSizeBARRestoreFailureLeavesDecodesDisabled(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9200)
	f.setBAR(0, 0x300, 32, 0x1)
	// The device accepts the all-ones sizing write but then wedges: the
	// restoration write has no effect and the verify readback mismatches.
	f.stickyAfter[RegBAR0] = 1

	_, err := SizeBAR(f, 0)
	if !errors.Is(err, ErrHardware) {
		t.Fatalf("SizeBAR = %v, want ErrHardware", err)
	}
	if f.command()&decodesOn != 0 {
		t.Errorf("decodes re-enabled after unverified restoration: command = %#x", f.command())
	}
}

func TestSizeBARAccessFaultRestoresCommand(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9200)
	f.setBAR(0, 0x300, 32, 0x1)
	// Fault the sizing write itself: the BAR is never dirtied, so the
	// command register must be restored.
	f.failWrite[RegBAR0] = errInjected

	_, err := SizeBAR(f, 0)
	if err == nil || errors.Is(err, ErrHardware) {
		t.Fatalf("SizeBAR = %v, want plain access error", err)
	}
	if f.command() != decodesOn {
		t.Errorf("command not restored after access fault: %#x", f.command())
	}
}

func TestSizeBAR64AtLastIndex(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9200)
	f.setBAR(5, 0xE0000000, 0x1000, 0x4) // claims 64-bit but no high half exists

	if _, err := SizeBAR(f, 5); err == nil {
		t.Fatal("64-bit BAR at index 5 accepted")
	}
}

func TestSizeBARIndexRange(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9200)
	if _, err := SizeBAR(f, -1); err == nil {
		t.Error("negative index accepted")
	}
	if _, err := SizeBAR(f, BARCount); err == nil {
		t.Error("out of range index accepted")
	}
	if _, err := SizeBAR(nil, 0); err == nil {
		t.Error("nil config space accepted")
	}
}
