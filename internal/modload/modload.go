// Package modload reads module images from disk, validates them against
// the binary module contract, and drives the bridge lifecycle that
// connects each loaded module to its hardware.
package modload

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/etherlink/elcore/internal/bridge"
	"github.com/etherlink/elcore/internal/detect"
	"github.com/etherlink/elcore/internal/driver"
	"github.com/etherlink/elcore/internal/modfmt"
	"github.com/etherlink/elcore/internal/registry"
)

var (
	// ErrBadImage is wrapped by every validation failure of a module
	// file.
	ErrBadImage = errors.New("modload: invalid module image")

	// ErrAlreadyLoaded is returned when a module id is loaded twice.
	ErrAlreadyLoaded = errors.New("modload: module already loaded")

	// ErrNotLoaded is returned when unloading an unknown module id.
	ErrNotLoaded = errors.New("modload: module not loaded")

	// ErrNoDriver is returned when no driver is registered for a
	// module id.
	ErrNoDriver = errors.New("modload: no driver registered for module")
)

// Module is one validated module image and, once activated, its bridge.
type Module struct {
	Path    string
	Header  *modfmt.Header
	Payload []byte
	Exports []modfmt.Export
	Relocs  []modfmt.Reloc

	bridge *bridge.Bridge
}

// Active reports whether the module is connected to hardware.
func (m *Module) Active() bool {
	return m.bridge != nil && m.bridge.State() == bridge.StateActive
}

// Bridge returns the module's bridge, or nil before activation.
func (m *Module) Bridge() *bridge.Bridge { return m.bridge }

// Read loads and validates a module image without touching hardware:
// header decode, layout invariants, both checksums, and table bounds.
func Read(path string) (*Module, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("modload: read %s: %w", path, err)
	}
	m, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	slog.Debug("module image read",
		"path", path, "name", m.Header.Name,
		"id", fmt.Sprintf("%#04x", m.Header.ModuleID),
		"total_bytes", m.Header.TotalBytes())
	return m, nil
}

func parse(raw []byte) (*Module, error) {
	if len(raw) < modfmt.HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, smaller than header", ErrBadImage, len(raw))
	}
	hdr, err := modfmt.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if !hdr.Validate() {
		return nil, fmt.Errorf("%w: header invariants violated", ErrBadImage)
	}
	if !modfmt.VerifyChecksum(raw) {
		return nil, fmt.Errorf("%w: header checksum mismatch", ErrBadImage)
	}

	payload := raw[modfmt.HeaderSize:]
	if sum := modfmt.ImageChecksum(payload); sum != hdr.ImageChecksum {
		return nil, fmt.Errorf("%w: image checksum %#04x, header says %#04x",
			ErrBadImage, sum, hdr.ImageChecksum)
	}

	total := hdr.TotalBytes()
	exports, err := decodeExports(raw, hdr, total)
	if err != nil {
		return nil, err
	}
	relocs, err := decodeRelocs(raw, hdr, total)
	if err != nil {
		return nil, err
	}
	return &Module{Header: hdr, Payload: payload, Exports: exports, Relocs: relocs}, nil
}

func decodeExports(raw []byte, hdr *modfmt.Header, total uint32) ([]modfmt.Export, error) {
	if hdr.ExportCount == 0 {
		return nil, nil
	}
	end := uint32(hdr.ExportOffset) + uint32(hdr.ExportCount)*modfmt.ExportEntrySize
	if uint32(hdr.ExportOffset) < modfmt.HeaderSize || end > total || end > uint32(len(raw)) {
		return nil, fmt.Errorf("%w: export table [%#x,%#x) outside module",
			ErrBadImage, hdr.ExportOffset, end)
	}
	exports, err := modfmt.DecodeExports(raw[hdr.ExportOffset:end], int(hdr.ExportCount))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	for _, e := range exports {
		if uint32(e.Offset) >= total {
			return nil, fmt.Errorf("%w: export %q points outside module", ErrBadImage, e.Name)
		}
	}
	return exports, nil
}

func decodeRelocs(raw []byte, hdr *modfmt.Header, total uint32) ([]modfmt.Reloc, error) {
	if hdr.RelocCount == 0 {
		return nil, nil
	}
	end := uint32(hdr.RelocOffset) + uint32(hdr.RelocCount)*modfmt.RelocEntrySize
	if uint32(hdr.RelocOffset) < modfmt.HeaderSize || end > total || end > uint32(len(raw)) {
		return nil, fmt.Errorf("%w: relocation table [%#x,%#x) outside module",
			ErrBadImage, hdr.RelocOffset, end)
	}
	relocs, err := modfmt.DecodeRelocs(raw[hdr.RelocOffset:end], int(hdr.RelocCount))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	for _, r := range relocs {
		if uint32(r.Offset) >= total {
			return nil, fmt.Errorf("%w: relocation at %#x outside module", ErrBadImage, r.Offset)
		}
	}
	return relocs, nil
}

// DriverSpec names the driver implementation serving one module id and
// the requirements the module imposes on it.
type DriverSpec struct {
	Kind             detect.DeviceKind
	Desc             driver.Descriptor
	Required         driver.Version
	RequiredFeatures uint16
	New              func() driver.Operations
}

// Overrides are the operator's per-device knobs from the loader
// configuration.
type Overrides struct {
	ForcePIO    bool
	NoBusMaster bool
	NoChecksum  bool
}

// Loader owns the set of loaded modules and their bridges. All methods
// run on the load/unload control path.
type Loader struct {
	det *detect.Detector
	reg *registry.Registry

	mu      sync.Mutex
	drivers map[uint16]DriverSpec
	loaded  map[uint16]*Module
}

// NewLoader builds a loader over a completed detector.
func NewLoader(det *detect.Detector, reg *registry.Registry) *Loader {
	return &Loader{
		det:     det,
		reg:     reg,
		drivers: make(map[uint16]DriverSpec),
		loaded:  make(map[uint16]*Module),
	}
}

// RegisterDriver binds a driver implementation to a module id.
func (l *Loader) RegisterDriver(moduleID uint16, spec DriverSpec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drivers[moduleID] = spec
}

// Load reads, validates, and activates a module: request a hardware
// context for the module's device kind, create its bridge, and connect
// the registered driver. On any failure nothing stays claimed.
func (l *Loader) Load(path string, ov Overrides) (*Module, error) {
	m, err := Read(path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	id := m.Header.ModuleID
	if _, ok := l.loaded[id]; ok {
		return nil, fmt.Errorf("modload: module %#04x: %w", id, ErrAlreadyLoaded)
	}
	spec, ok := l.drivers[id]
	if !ok {
		return nil, fmt.Errorf("modload: module %#04x: %w", id, ErrNoDriver)
	}
	if err := l.checkRequirements(m.Header); err != nil {
		return nil, err
	}

	ctx, err := l.det.ContextFor(id, spec.Kind)
	if err != nil {
		return nil, fmt.Errorf("modload: module %s: %w", m.Header.Name, err)
	}
	cfg := ctx.HardwareConfig
	cfg.ChecksumOffload = ctx.Caps&detect.CapHWCsum != 0 && !ov.NoChecksum
	if ov.ForcePIO || ov.NoBusMaster {
		cfg.ForcePIO = ov.ForcePIO
		cfg.BusMastering = false
	}

	br, err := bridge.New(m.Header, &cfg, l.reg)
	if err != nil {
		return nil, fmt.Errorf("modload: module %s: %w", m.Header.Name, err)
	}
	if err := br.ConnectDriver(spec.New(), spec.Desc, spec.Required, spec.RequiredFeatures); err != nil {
		return nil, fmt.Errorf("modload: module %s: %w", m.Header.Name, err)
	}
	m.bridge = br
	l.loaded[id] = m
	slog.Info("module loaded", "name", m.Header.Name,
		"id", fmt.Sprintf("%#04x", id), "driver", spec.Desc.Name)
	return m, nil
}

// checkRequirements verifies the header's CPU and feature demands
// against the detected environment.
func (l *Loader) checkRequirements(hdr *modfmt.Header) error {
	env, err := l.det.Environment()
	if err != nil {
		return fmt.Errorf("modload: %w", err)
	}
	// Any host this loader runs on is at least Pentium class, so the
	// CPU floor only needs to be a known value.
	switch hdr.RequiredCPU {
	case 0, modfmt.CPU8086, modfmt.CPU80286, modfmt.CPU80386, modfmt.CPU80486, modfmt.CPUPentium:
	default:
		return fmt.Errorf("%w: unknown required CPU %#04x", ErrBadImage, hdr.RequiredCPU)
	}
	for _, req := range []struct {
		bit  uint16
		flag string
	}{
		{modfmt.FeatureFPU, "fpu"},
		{modfmt.FeatureMMX, "mmx"},
		{modfmt.FeatureCPUID, "cpuid"},
	} {
		if hdr.RequiredFeatures&req.bit != 0 && !env.CPU.HasFeature(req.flag) {
			return fmt.Errorf("modload: module %s requires CPU feature %s", hdr.Name, req.flag)
		}
	}
	return nil
}

// Unload tears down a loaded module, releasing its device claim.
func (l *Loader) Unload(moduleID uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.loaded[moduleID]
	if !ok {
		return fmt.Errorf("modload: module %#04x: %w", moduleID, ErrNotLoaded)
	}
	err := m.bridge.Cleanup()
	delete(l.loaded, moduleID)
	slog.Info("module unloaded", "name", m.Header.Name, "id", fmt.Sprintf("%#04x", moduleID))
	return err
}

// UnloadAll tears down every loaded module, keeping the first error.
func (l *Loader) UnloadAll() error {
	l.mu.Lock()
	ids := make([]uint16, 0, len(l.loaded))
	for id := range l.loaded {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var firstErr error
	for _, id := range ids {
		if err := l.Unload(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Modules lists the loaded modules ordered by module id.
func (l *Loader) Modules() []*Module {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Module, 0, len(l.loaded))
	for _, m := range l.loaded {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Header.ModuleID < out[j].Header.ModuleID
	})
	return out
}
