package bridge

import (
	"errors"
	"testing"

	"github.com/etherlink/elcore/internal/driver"
	"github.com/etherlink/elcore/internal/modfmt"
	"github.com/etherlink/elcore/internal/registry"
)

// fakeDriver records calls and can fail attach on demand.
type fakeDriver struct {
	attached   bool
	detached   int
	sent       int
	interrupts int
	attachErr  error
	mac        [6]byte
}

func (d *fakeDriver) Attach(cfg *driver.HardwareConfig) error {
	if d.attachErr != nil {
		return d.attachErr
	}
	d.attached = true
	return nil
}
func (d *fakeDriver) Detach() error                   { d.detached++; d.attached = false; return nil }
func (d *fakeDriver) Send(frame []byte) error         { d.sent++; return nil }
func (d *fakeDriver) Receive(buf []byte) (int, error) { return 60, nil }
func (d *fakeDriver) HandleInterrupt()                { d.interrupts++ }
func (d *fakeDriver) Statistics() driver.Statistics {
	return driver.Statistics{TxPackets: uint64(d.sent)}
}
func (d *fakeDriver) MAC() [6]byte { return d.mac }

func testHeader(id uint16, name string) *modfmt.Header {
	return &modfmt.Header{
		ABIVersion:       modfmt.ABIVersion,
		ModuleType:       modfmt.TypeNIC,
		TotalSizePara:    0x400,
		ResidentSizePara: 0x200,
		InitEntry:        0x40,
		APIEntry:         0x80,
		ISREntry:         0xC0,
		UnloadEntry:      0x100,
		ModuleID:         id,
		Name:             name,
	}
}

func testSetup(t *testing.T) (*registry.Registry, *driver.HardwareConfig) {
	t.Helper()
	reg := registry.New()
	loc := registry.Location{IOBase: 0x300}
	if _, err := reg.Add(registry.Entry{
		BusType:  registry.BusISA,
		Location: loc,
		VendorID: 0x10B7,
		DeviceID: 0x5090,
		IRQ:      10,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	cfg := &driver.HardwareConfig{
		IOBase:   0x300,
		IRQ:      10,
		VendorID: 0x10B7,
		DeviceID: 0x5090,
		BusType:  registry.BusISA,
		Location: loc,
	}
	return reg, cfg
}

func connect(t *testing.T, b *Bridge, d driver.Operations) {
	t.Helper()
	desc := driver.Descriptor{
		Name:     "3C509B",
		Vendor:   "3Com",
		Version:  driver.Version{Major: 1, Minor: 0},
		Features: driver.FeatureBusMaster,
	}
	if err := b.ConnectDriver(d, desc, driver.Version{Major: 1, Minor: 0}, 0); err != nil {
		t.Fatalf("ConnectDriver: %v", err)
	}
}

func TestBridgeConnectLifecycle(t *testing.T) {
	reg, cfg := testSetup(t)
	hdr := testHeader(0x434B, "CORKSCRW.MOD")

	b, err := New(hdr, cfg, reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.State() != StateInitializing {
		t.Fatalf("state = %v", b.State())
	}

	d := &fakeDriver{mac: [6]byte{0x00, 0x60, 0x8C, 0x12, 0x34, 0x56}}
	connect(t, b, d)

	if b.State() != StateActive {
		t.Errorf("state = %v, want active", b.State())
	}
	if !d.attached {
		t.Error("driver never attached")
	}
	entry, err := reg.Get(b.RegistryID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !entry.Claimed() || entry.Owner() != 0x434B || !entry.Verified() {
		t.Errorf("registry entry = claimed %v owner %#x verified %v",
			entry.Claimed(), entry.Owner(), entry.Verified())
	}
	if !entry.HasMAC() {
		t.Error("driver MAC not recorded in registry")
	}
}

func TestBridgeSecondClaimBusy(t *testing.T) {
	reg, cfg := testSetup(t)

	first, _ := New(testHeader(0x434B, "CORKSCRW.MOD"), cfg, reg)
	connect(t, first, &fakeDriver{})

	second, _ := New(testHeader(0x424D, "BOOMTEX.MOD"), cfg, reg)
	desc := driver.Descriptor{Name: "3C515", Vendor: "3Com", Version: driver.Version{Major: 1}}
	err := second.ConnectDriver(&fakeDriver{}, desc, driver.Version{Major: 1}, 0)
	if !errors.Is(err, registry.ErrBusy) {
		t.Fatalf("second claim = %v, want ErrBusy", err)
	}
	if second.State() != StateError {
		t.Errorf("second bridge state = %v, want error", second.State())
	}

	// Unloading the first module frees the device for the second.
	if err := first.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	third, _ := New(testHeader(0x424D, "BOOMTEX.MOD"), cfg, reg)
	connect(t, third, &fakeDriver{})
}

func TestBridgeIncompatibleDriverRollsBackClaim(t *testing.T) {
	reg, cfg := testSetup(t)
	b, _ := New(testHeader(0x434B, "CORKSCRW.MOD"), cfg, reg)

	desc := driver.Descriptor{Name: "OLD", Vendor: "3Com", Version: driver.Version{Major: 2}}
	err := b.ConnectDriver(&fakeDriver{}, desc, driver.Version{Major: 1}, 0)
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("ConnectDriver = %v, want ErrIncompatible", err)
	}
	if b.State() != StateError {
		t.Errorf("state = %v, want error", b.State())
	}

	// The claim must have been rolled back.
	id, err := reg.FindByLocation(cfg.BusType, cfg.Location)
	if err != nil {
		t.Fatalf("FindByLocation: %v", err)
	}
	entry, _ := reg.Get(id)
	if entry.Claimed() {
		t.Error("claim leaked after incompatible driver")
	}
}

func TestBridgeAttachFailureRollsBackClaim(t *testing.T) {
	reg, cfg := testSetup(t)
	b, _ := New(testHeader(0x434B, "CORKSCRW.MOD"), cfg, reg)

	d := &fakeDriver{attachErr: errors.New("eeprom read failed")}
	desc := driver.Descriptor{Name: "3C509B", Vendor: "3Com", Version: driver.Version{Major: 1}}
	if err := b.ConnectDriver(d, desc, driver.Version{Major: 1}, 0); err == nil {
		t.Fatal("attach failure not surfaced")
	}
	id, _ := reg.FindByLocation(cfg.BusType, cfg.Location)
	entry, _ := reg.Get(id)
	if entry.Claimed() {
		t.Error("claim leaked after attach failure")
	}
}

func TestBridgeDispatchAndCounters(t *testing.T) {
	reg, cfg := testSetup(t)
	b, _ := New(testHeader(0x434B, "CORKSCRW.MOD"), cfg, reg)
	d := &fakeDriver{}
	connect(t, b, d)

	if err := b.Send(make([]byte, 60)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n, err := b.Receive(make([]byte, 1514)); err != nil || n != 60 {
		t.Fatalf("Receive = (%d, %v)", n, err)
	}
	if err := b.HandleInterrupt(); err != nil {
		t.Fatalf("HandleInterrupt: %v", err)
	}
	if d.interrupts != 1 {
		t.Errorf("driver interrupts = %d", d.interrupts)
	}

	counters, ds, err := b.Statistics()
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if counters.TxPackets != 1 || counters.RxPackets != 1 {
		t.Errorf("counters = %+v", counters)
	}
	if ds.TxPackets != 1 {
		t.Errorf("driver stats = %+v", ds)
	}
	if gs := b.GuardStats(); gs.Entries != 1 {
		t.Errorf("guard stats = %+v", gs)
	}
}

func TestBridgeInterruptsConcurrentWithControlPath(t *testing.T) {
	reg, cfg := testSetup(t)
	b, _ := New(testHeader(0x434B, "CORKSCRW.MOD"), cfg, reg)
	connect(t, b, &fakeDriver{})

	// Interrupts arrive on their own goroutine while the control path
	// polls state and statistics, as an embedder wiring a real IRQ
	// source would have it.
	const interrupts = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < interrupts; i++ {
			if err := b.HandleInterrupt(); err != nil {
				t.Errorf("HandleInterrupt: %v", err)
				return
			}
		}
	}()
	for i := 0; i < interrupts; i++ {
		if b.State() != StateActive {
			t.Fatalf("state = %v mid-stream", b.State())
		}
		if _, _, err := b.Statistics(); err != nil {
			t.Fatalf("Statistics: %v", err)
		}
	}
	<-done

	if gs := b.GuardStats(); gs.Entries != interrupts {
		t.Errorf("guard entries = %d, want %d", gs.Entries, interrupts)
	}
	counters, _, err := b.Statistics()
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if counters.ISRErrors != 0 {
		t.Errorf("isr errors = %d", counters.ISRErrors)
	}
}

func TestBridgeSuspendResume(t *testing.T) {
	reg, cfg := testSetup(t)
	b, _ := New(testHeader(0x434B, "CORKSCRW.MOD"), cfg, reg)
	connect(t, b, &fakeDriver{})

	if err := b.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := b.Send(nil); !errors.Is(err, ErrNotActive) {
		t.Errorf("Send while suspended = %v", err)
	}
	if err := b.HandleInterrupt(); !errors.Is(err, ErrNotActive) {
		t.Errorf("HandleInterrupt while suspended = %v", err)
	}
	if err := b.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := b.Send(make([]byte, 60)); err != nil {
		t.Errorf("Send after resume: %v", err)
	}
}

func TestBridgeCleanupReleasesOnce(t *testing.T) {
	reg, cfg := testSetup(t)
	b, _ := New(testHeader(0x434B, "CORKSCRW.MOD"), cfg, reg)
	d := &fakeDriver{}
	connect(t, b, d)
	id := b.RegistryID()

	if err := b.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if b.State() != StateUnloaded {
		t.Errorf("state = %v, want unloaded", b.State())
	}
	if d.detached != 1 {
		t.Errorf("detach count = %d", d.detached)
	}
	entry, _ := reg.Get(id)
	if entry.Claimed() || entry.Verified() {
		t.Error("registry entry not released")
	}

	// A second claim by another module must now succeed, and a repeated
	// cleanup must not disturb it.
	if err := reg.Claim(id, 0x424D); err != nil {
		t.Fatalf("reclaim after release: %v", err)
	}
	if err := b.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	entry, _ = reg.Get(id)
	if !entry.Claimed() || entry.Owner() != 0x424D {
		t.Error("second cleanup disturbed the new owner's claim")
	}
	if d.detached != 1 {
		t.Errorf("detach count after second cleanup = %d", d.detached)
	}
}

func TestBridgeRejectsInvalidHeader(t *testing.T) {
	reg, cfg := testSetup(t)
	hdr := testHeader(0x434B, "CORKSCRW.MOD")
	hdr.ABIVersion = 99
	if _, err := New(hdr, cfg, reg); err == nil {
		t.Fatal("invalid header accepted")
	}
}

func TestBridgeNestedInterruptRefused(t *testing.T) {
	reg, cfg := testSetup(t)
	b, _ := New(testHeader(0x434B, "CORKSCRW.MOD"), cfg, reg)

	// reentrant fires the bridge from inside its own handler, as a
	// device re-interrupting before the previous invocation returned.
	d := &reentrantDriver{}
	d.bridge = b
	desc := driver.Descriptor{Name: "3C509B", Vendor: "3Com", Version: driver.Version{Major: 1}}
	if err := b.ConnectDriver(d, desc, driver.Version{Major: 1}, 0); err != nil {
		t.Fatalf("ConnectDriver: %v", err)
	}

	if err := b.HandleInterrupt(); err != nil {
		t.Fatalf("HandleInterrupt: %v", err)
	}
	// Depth 0 plus MaxNesting reentries serviced, the next refused.
	if d.serviced != 1+MaxNesting {
		t.Errorf("serviced = %d, want %d", d.serviced, 1+MaxNesting)
	}
	if !d.sawRefusal {
		t.Error("nested delivery past the cap was not refused")
	}
	if gs := b.GuardStats(); gs.Refused != 1 {
		t.Errorf("guard stats = %+v", gs)
	}
	if b.guard.Active() {
		t.Error("guard still locked after unwind")
	}
}

type reentrantDriver struct {
	fakeDriver
	bridge     *Bridge
	serviced   int
	sawRefusal bool
}

func (d *reentrantDriver) HandleInterrupt() {
	d.serviced++
	err := d.bridge.HandleInterrupt()
	if errors.Is(err, ErrReentrant) {
		d.sawRefusal = true
	}
}
