package pcibus

import "testing"

func TestWalkCapabilitiesNone(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9200)
	// Status has no capability-list bit.
	caps, err := WalkCapabilities(f)
	if err != nil {
		t.Fatalf("WalkCapabilities: %v", err)
	}
	if caps != (Capabilities{}) {
		t.Errorf("caps = %+v, want empty", caps)
	}
}

func TestWalkCapabilitiesChain(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9200)
	f.setStatus(StatusCapList)
	f.regs[RegCapPointer&^3] = setBytes(f.regs[RegCapPointer&^3], RegCapPointer, 1, 0x50)
	f.setCap(0x50, CapPowerManagement, 0x60)
	f.setCap(0x60, CapMSI, 0x70)
	f.setCap(0x70, CapPCIExpress, 0)

	caps, err := WalkCapabilities(f)
	if err != nil {
		t.Fatalf("WalkCapabilities: %v", err)
	}
	if caps.PowerManagement != 0x50 || caps.MSI != 0x60 || caps.PCIExpress != 0x70 {
		t.Errorf("caps = %+v", caps)
	}
	if caps.MSIX != 0 || caps.VPD != 0 {
		t.Errorf("phantom capabilities: %+v", caps)
	}
}

func TestWalkCapabilitiesCircular(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9200)
	f.setStatus(StatusCapList)
	f.regs[RegCapPointer&^3] = setBytes(f.regs[RegCapPointer&^3], RegCapPointer, 1, 0x50)
	f.setCap(0x50, CapPowerManagement, 0x54)
	f.setCap(0x54, CapMSI, 0x50) // loops back

	if _, err := WalkCapabilities(f); err == nil {
		t.Fatal("circular capability list not bounded")
	}
}

func TestWalkCapabilitiesBadPointer(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9200)
	f.setStatus(StatusCapList)
	// Pointer below 0x40 lands inside the standard header: ignored.
	f.regs[RegCapPointer&^3] = setBytes(f.regs[RegCapPointer&^3], RegCapPointer, 1, 0x20)

	caps, err := WalkCapabilities(f)
	if err != nil {
		t.Fatalf("WalkCapabilities: %v", err)
	}
	if caps != (Capabilities{}) {
		t.Errorf("caps = %+v, want empty", caps)
	}
}

func TestReadIdentity(t *testing.T) {
	f := newFakeFunction(0x10B7, 0x9055)
	f.regs[RegRevision&^3] = 0x02000030 // class 0x02 (network), revision 0x30
	f.regs[RegInterruptLine&^3] = setBytes(f.regs[RegInterruptLine&^3], RegInterruptLine, 1, 11)

	id, err := ReadIdentity(f)
	if err != nil {
		t.Fatalf("ReadIdentity: %v", err)
	}
	if id.VendorID != 0x10B7 || id.DeviceID != 0x9055 {
		t.Errorf("identity = %+v", id)
	}
	if id.Revision != 0x30 || id.ClassCode[0] != 0x02 || id.IRQLine != 11 {
		t.Errorf("revision/class/irq = %+v", id)
	}
}

func TestReadIdentityNoDevice(t *testing.T) {
	f := newFakeFunction(0xFFFF, 0xFFFF)
	if _, err := ReadIdentity(f); err != ErrNoDevice {
		t.Fatalf("ReadIdentity = %v, want ErrNoDevice", err)
	}
}
