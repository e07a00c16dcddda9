// Package detect owns all hardware discovery. It runs once, early,
// builds a system environment snapshot (CPU, memory, chipset, network
// adapters), registers every discovered adapter as a registry candidate,
// and hands modules a per-device context on request. Modules never touch
// detection hardware themselves.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/etherlink/elcore/internal/driver"
	"github.com/etherlink/elcore/internal/pcibus"
	"github.com/etherlink/elcore/internal/registry"
)

var (
	// ErrNotReady is returned when the environment is consulted before
	// a successful detection pass.
	ErrNotReady = errors.New("detect: detection has not completed")

	// ErrNoHardware is returned when the mandatory network phase finds
	// no supported adapter.
	ErrNoHardware = errors.New("detect: no supported network hardware found")

	// ErrNoMatch is returned by ContextFor when no detected adapter
	// satisfies the requested device kind.
	ErrNoMatch = errors.New("detect: no matching hardware for device kind")
)

// CPUInfo is the processor summary from phase one.
type CPUInfo struct {
	Vendor   string
	Model    string
	Family   string
	MHz      float64
	Cores    int
	Features []string
}

// HasFeature reports whether the CPU advertises a feature flag.
func (c *CPUInfo) HasFeature(name string) bool {
	for _, f := range c.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Chipset is the best-effort host bridge identification from phase two.
type Chipset struct {
	VendorID uint16
	DeviceID uint16
	Known    bool
}

// CacheCoherency is the phase-two classification of whether bus-master
// DMA is coherent with the CPU caches. 486-class and later processors
// snoop the bus during DMA; earlier parts need explicit cache handling
// around every transfer.
type CacheCoherency struct {
	Supported bool
	CPUClass  int // x86 family number, 0 when unknown
}

// classifyCacheCoherency derives the coherency verdict from the CPU
// summary phase one already collected.
func classifyCacheCoherency(c *CPUInfo) CacheCoherency {
	fam, err := strconv.Atoi(c.Family)
	if err != nil || fam <= 0 {
		// No usable family number: a CPU that reports feature flags at
		// all answered CPUID, which makes it at least 486 class.
		return CacheCoherency{Supported: len(c.Features) > 0}
	}
	return CacheCoherency{Supported: fam >= 4, CPUClass: fam}
}

// NIC is one discovered network adapter.
type NIC struct {
	RegistryID int
	Name       string
	VendorID   uint16
	DeviceID   uint16
	Revision   uint8
	BusType    uint8
	Location   registry.Location
	IRQ        uint8
	Generation Generation
	Caps       uint16
	IOSize     uint16
	BARs       []pcibus.BARInfo
	PCICaps    pcibus.Capabilities
}

// Timing records how long each detection phase took.
type Timing struct {
	CPU     time.Duration
	Chipset time.Duration
	NIC     time.Duration
	Total   time.Duration
}

// Environment is the system snapshot detection produces. It is built
// once and read-only afterwards.
type Environment struct {
	CPU          CPUInfo
	MemoryBytes  uint64
	Platform     string
	Chipset      Chipset
	ChipsetCount int
	Coherency    CacheCoherency
	NICs         []NIC
	Timing       Timing
}

// ISACandidate names a legacy adapter the configuration tells us to
// probe. The IRQ comes from configuration because reading it from the
// card's EEPROM needs the activation protocol, which is not safe here.
type ISACandidate struct {
	IOBase uint16
	IRQ    uint8
}

// PortReader reads x86 I/O ports. The probe only ever reads status
// registers; nothing here may change adapter state.
type PortReader interface {
	ReadPortWord(port uint16) (uint16, error)
}

// Config wires the detector's hardware backends. Nil Bus disables the
// PCI scan; nil Ports disables the ISA probe.
type Config struct {
	Bus      pcibus.Bus
	Ports    PortReader
	ISA      []ISACandidate
	Registry *registry.Registry
}

// Detector runs hardware discovery exactly once and serves the results.
type Detector struct {
	cfg Config

	mu   sync.Mutex
	done bool
	env  Environment
}

// New returns an idle detector.
func New(cfg Config) (*Detector, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("detect: nil registry")
	}
	return &Detector{cfg: cfg}, nil
}

// Run performs the detection pass: processor and memory analysis,
// best-effort chipset identification, then the mandatory network
// hardware scan. A second call is a no-op returning nil. A failed
// mandatory phase leaves the detector idle so the caller may retry
// from scratch.
func (d *Detector) Run(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		slog.Debug("detection already completed")
		return nil
	}

	var env Environment
	start := time.Now()

	phase := time.Now()
	if err := d.detectCPUAndMemory(ctx, &env); err != nil {
		return fmt.Errorf("detect: cpu/memory phase: %w", err)
	}
	env.Timing.CPU = time.Since(phase)

	// Chipset identification and cache-coherency classification are
	// advisory; a failure here never aborts the pass.
	phase = time.Now()
	env.Coherency = classifyCacheCoherency(&env.CPU)
	if env.Coherency.Supported {
		slog.Debug("cache-coherent dma", "cpu_class", env.Coherency.CPUClass)
	} else {
		slog.Info("cache coherency unavailable, dma needs explicit flushes",
			"family", env.CPU.Family)
	}
	if err := d.detectChipset(&env); err != nil {
		slog.Warn("chipset detection failed, continuing", "err", err)
	}
	env.Timing.Chipset = time.Since(phase)

	phase = time.Now()
	if err := d.detectNICs(&env); err != nil {
		d.cfg.Registry.Reset()
		return fmt.Errorf("detect: network phase: %w", err)
	}
	env.Timing.NIC = time.Since(phase)
	env.Timing.Total = time.Since(start)

	d.env = env
	d.done = true
	slog.Info("hardware detection complete",
		"cpu", env.CPU.Model,
		"memory_mb", env.MemoryBytes/(1024*1024),
		"nics", len(env.NICs),
		"cpu_ms", env.Timing.CPU.Milliseconds(),
		"chipset_ms", env.Timing.Chipset.Milliseconds(),
		"nic_ms", env.Timing.NIC.Milliseconds())
	return nil
}

// Ready reports whether a detection pass has completed.
func (d *Detector) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Environment returns the snapshot, or ErrNotReady before Run succeeds.
// This accessor is the only way at the results. The returned copy is the
// caller's own; mutating it never disturbs the detector.
func (d *Detector) Environment() (*Environment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.done {
		return nil, ErrNotReady
	}
	return d.snapshot(), nil
}

// snapshot copies the environment, including the per-adapter BAR
// slices, so the detection results stay immutable after Run.
func (d *Detector) snapshot() *Environment {
	env := d.env
	env.NICs = make([]NIC, len(d.env.NICs))
	copy(env.NICs, d.env.NICs)
	for i := range env.NICs {
		env.NICs[i].BARs = append([]pcibus.BARInfo(nil), env.NICs[i].BARs...)
	}
	return &env
}

// Context is the per-device handout a module initializes from. The CPU
// and environment pointers lead into the context's private snapshot,
// not the detector's live state.
type Context struct {
	driver.HardwareConfig

	ModuleID   uint16
	Generation Generation
	Caps       uint16
	Coherency  CacheCoherency
	CPU        *CPUInfo
	Env        *Environment
}

// ContextFor builds an initialization context for the first detected
// adapter matching the requested kind. The adapter stays unclaimed; the
// bridge claims it when the module connects its driver.
func (d *Detector) ContextFor(moduleID uint16, kind DeviceKind) (*Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.done {
		return nil, ErrNotReady
	}
	for i := range d.env.NICs {
		if !kind.matches(&d.env.NICs[i]) {
			continue
		}
		env := d.snapshot()
		n := &env.NICs[i]
		slog.Info("hardware context issued",
			"module", fmt.Sprintf("%#04x", moduleID),
			"kind", kind, "device", n.Name,
			"io_base", fmt.Sprintf("%#x", n.Location.IOBase), "irq", n.IRQ)
		return &Context{
			HardwareConfig: driver.HardwareConfig{
				IOBase:       n.Location.IOBase,
				IRQ:          n.IRQ,
				VendorID:     n.VendorID,
				DeviceID:     n.DeviceID,
				Revision:     n.Revision,
				BusType:      n.BusType,
				Location:     n.Location,
				BusMastering: n.Generation.BusMaster(),
			},
			ModuleID:   moduleID,
			Generation: n.Generation,
			Caps:       n.Caps,
			Coherency:  env.Coherency,
			CPU:        &env.CPU,
			Env:        env,
		}, nil
	}
	slog.Warn("no hardware for requested kind",
		"module", fmt.Sprintf("%#04x", moduleID), "kind", kind)
	return nil, fmt.Errorf("detect: kind %v: %w", kind, ErrNoMatch)
}

func (d *Detector) detectCPUAndMemory(ctx context.Context, env *Environment) error {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return fmt.Errorf("cpu info: %w", err)
	}
	if len(infos) == 0 {
		return fmt.Errorf("cpu info: empty result")
	}
	first := infos[0]
	counts, err := cpu.CountsWithContext(ctx, true)
	if err != nil || counts == 0 {
		counts = len(infos)
	}
	env.CPU = CPUInfo{
		Vendor:   first.VendorID,
		Model:    first.ModelName,
		Family:   first.Family,
		MHz:      first.Mhz,
		Cores:    counts,
		Features: first.Flags,
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("memory info: %w", err)
	}
	env.MemoryBytes = vm.Total

	if hi, err := host.InfoWithContext(ctx); err == nil {
		env.Platform = hi.Platform
	} else {
		slog.Debug("platform identification failed", "err", err)
	}

	slog.Debug("cpu/memory phase complete",
		"model", env.CPU.Model, "cores", env.CPU.Cores,
		"memory_mb", env.MemoryBytes/(1024*1024))
	return nil
}

// detectChipset identifies the host bridge at 00:00.0, when a PCI bus
// backend is present.
func (d *Detector) detectChipset(env *Environment) error {
	if d.cfg.Bus == nil {
		return nil
	}
	fn, err := d.cfg.Bus.Function(pcibus.Addr{})
	if err != nil {
		return fmt.Errorf("host bridge: %w", err)
	}
	id, err := pcibus.ReadIdentity(fn)
	if err != nil {
		return fmt.Errorf("host bridge identity: %w", err)
	}
	env.Chipset = Chipset{VendorID: id.VendorID, DeviceID: id.DeviceID, Known: true}
	env.ChipsetCount = 1
	slog.Debug("host bridge identified",
		"vendor", fmt.Sprintf("%#04x", id.VendorID),
		"device", fmt.Sprintf("%#04x", id.DeviceID))
	return nil
}

func (d *Detector) detectNICs(env *Environment) error {
	if d.cfg.Bus != nil {
		if err := d.scanPCI(env); err != nil {
			return err
		}
	}
	if d.cfg.Ports != nil {
		d.probeISA(env)
	}
	if len(env.NICs) == 0 {
		return ErrNoHardware
	}
	return nil
}

// scanPCI walks the bus and registers every supported adapter. A BAR
// sizing failure is fatal for that device only; it is skipped with its
// decodes left disabled.
func (d *Detector) scanPCI(env *Environment) error {
	addrs, err := d.cfg.Bus.Devices()
	if err != nil {
		return fmt.Errorf("enumerate bus: %w", err)
	}
	for _, addr := range addrs {
		fn, err := d.cfg.Bus.Function(addr)
		if err != nil {
			slog.Debug("function unavailable", "addr", addr, "err", err)
			continue
		}
		id, err := pcibus.ReadIdentity(fn)
		if err != nil {
			if !errors.Is(err, pcibus.ErrNoDevice) {
				slog.Warn("identity read failed", "addr", addr, "err", err)
			}
			continue
		}
		if id.VendorID != VendorID3Com {
			continue
		}
		info, known := LookupDevice(id.DeviceID)
		if !known {
			slog.Warn("unsupported 3Com device, skipping",
				"addr", addr, "device", fmt.Sprintf("%#04x", id.DeviceID))
			continue
		}
		nic, err := d.surveyPCIDevice(addr, fn, id, info)
		if err != nil {
			slog.Error("device survey failed, device disabled",
				"addr", addr, "device", info.Name, "err", err)
			continue
		}
		env.NICs = append(env.NICs, *nic)
	}
	return nil
}

func (d *Detector) surveyPCIDevice(addr pcibus.Addr, fn pcibus.ConfigSpace, id pcibus.Identity, info DeviceInfo) (*NIC, error) {
	caps, err := pcibus.WalkCapabilities(fn)
	if err != nil {
		slog.Warn("capability walk failed", "addr", addr, "err", err)
	}

	var bars []pcibus.BARInfo
	var ioBase uint16
	for i := 0; i < pcibus.BARCount; i++ {
		bar, err := pcibus.SizeBAR(fn, i)
		if err != nil {
			// A failed restoration leaves the device's decodes
			// disabled; it must not be offered to any module.
			return nil, fmt.Errorf("size BAR %d: %w", i, err)
		}
		if bar.Kind == pcibus.BARMemory64 {
			i++ // consumed the adjoining register
		}
		bars = append(bars, bar)
		if bar.Kind == pcibus.BARIO && ioBase == 0 {
			ioBase = uint16(bar.Base)
		}
	}

	loc := registry.Location{
		IOBase:   ioBase,
		Bus:      addr.Bus,
		Device:   addr.Device,
		Function: addr.Function,
	}
	regID, err := d.cfg.Registry.Add(registry.Entry{
		VendorID: id.VendorID,
		DeviceID: id.DeviceID,
		Revision: id.Revision,
		BusType:  registry.BusPCI,
		Location: loc,
		IRQ:      id.IRQLine,
		Caps:     info.Caps,
	})
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	slog.Info("pci adapter registered",
		"addr", addr, "device", info.Name,
		"generation", info.Generation,
		"io_base", fmt.Sprintf("%#x", ioBase), "irq", id.IRQLine)
	return &NIC{
		RegistryID: regID,
		Name:       info.Name,
		VendorID:   id.VendorID,
		DeviceID:   id.DeviceID,
		Revision:   id.Revision,
		BusType:    registry.BusPCI,
		Location:   loc,
		IRQ:        id.IRQLine,
		Generation: info.Generation,
		Caps:       info.Caps,
		IOSize:     info.IOSize,
		BARs:       bars,
		PCICaps:    caps,
	}, nil
}

// probeISA checks each configured legacy address with status-register
// reads only. Probe failures are per-candidate and never abort the
// phase.
func (d *Detector) probeISA(env *Environment) {
	for _, cand := range d.cfg.ISA {
		present, err := probeStatus(d.cfg.Ports, cand.IOBase)
		if err != nil {
			slog.Warn("isa probe failed", "io_base", fmt.Sprintf("%#x", cand.IOBase), "err", err)
			continue
		}
		if !present {
			slog.Debug("no adapter at isa address", "io_base", fmt.Sprintf("%#x", cand.IOBase))
			continue
		}
		loc := registry.Location{IOBase: cand.IOBase}
		regID, err := d.cfg.Registry.Add(registry.Entry{
			VendorID: VendorID3Com,
			DeviceID: DeviceID3C509B,
			BusType:  registry.BusISA,
			Location: loc,
			IRQ:      cand.IRQ,
		})
		if err != nil {
			slog.Warn("isa registration failed", "io_base", fmt.Sprintf("%#x", cand.IOBase), "err", err)
			continue
		}
		slog.Info("isa adapter registered",
			"io_base", fmt.Sprintf("%#x", cand.IOBase), "irq", cand.IRQ)
		env.NICs = append(env.NICs, NIC{
			RegistryID: regID,
			Name:       "3c509B EtherLink III",
			VendorID:   VendorID3Com,
			DeviceID:   DeviceID3C509B,
			BusType:    registry.BusISA,
			Location:   loc,
			IRQ:        cand.IRQ,
			Generation: GenEtherLinkIII,
			IOSize:     16,
		})
	}
}
