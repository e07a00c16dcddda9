// Package bridge connects one loaded module to one driver implementation
// and one device registry entry. It owns the module's lifecycle state,
// dispatches the module's API entry points to the driver through a
// version-checked operations table, and wraps the driver's interrupt
// handler with reentrancy and timing guards.
package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/etherlink/elcore/internal/driver"
	"github.com/etherlink/elcore/internal/modfmt"
	"github.com/etherlink/elcore/internal/registry"
)

// State is a module's lifecycle state.
type State int

const (
	StateUnloaded State = iota
	StateInitializing
	StateActive
	StateError
	StateSuspended
	StateUnloading
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	case StateSuspended:
		return "suspended"
	case StateUnloading:
		return "unloading"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotActive is returned when an API call arrives outside the
	// active state.
	ErrNotActive = errors.New("bridge: module not active")

	// ErrNotConnected is returned when no driver has been connected.
	ErrNotConnected = errors.New("bridge: no driver connected")

	// ErrIncompatible wraps a hard version-compatibility failure.
	ErrIncompatible = errors.New("bridge: driver incompatible")
)

// Counters are the bridge's own packet and error counters, kept
// separately from whatever the driver reports.
type Counters struct {
	TxPackets uint64
	RxPackets uint64
	TxErrors  uint64
	RxErrors  uint64
	ISRErrors uint64
}

// Bridge ties one loaded module to one driver and one registry entry.
// The registry claim it holds is released exactly once, at cleanup.
//
// The bridge mutex covers lifecycle state and counters, so interrupts
// delivered on another goroutine may interleave with the control path.
// The guard serializes the handler invocations themselves; the mutex is
// never held across one, so nested delivery can still come back in.
// Interrupts must be quiesced before Cleanup, as on real hardware.
type Bridge struct {
	moduleID uint16
	name     string

	cfg *driver.HardwareConfig
	reg *registry.Registry

	guard *Guard

	mu         sync.Mutex
	state      State
	registryID int
	claimHeld  bool
	ops        *driver.VersionedOps
	counters   Counters
}

// New builds a bridge for a validated module header and the hardware
// context the detector handed out. State starts at initializing.
func New(hdr *modfmt.Header, cfg *driver.HardwareConfig, reg *registry.Registry) (*Bridge, error) {
	if hdr == nil {
		return nil, fmt.Errorf("bridge: nil module header")
	}
	if cfg == nil {
		return nil, fmt.Errorf("bridge: nil hardware context")
	}
	if reg == nil {
		return nil, fmt.Errorf("bridge: nil registry")
	}
	if !hdr.Validate() {
		return nil, fmt.Errorf("bridge: module %q: invalid header", hdr.Name)
	}
	b := &Bridge{
		moduleID:   hdr.ModuleID,
		name:       hdr.Name,
		state:      StateInitializing,
		cfg:        cfg,
		reg:        reg,
		registryID: -1,
		guard:      NewGuard(),
	}
	slog.Debug("bridge created", "module", b.name, "id", fmt.Sprintf("%#04x", b.moduleID))
	return b, nil
}

// State returns the module's lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ModuleID returns the owning module's identifier.
func (b *Bridge) ModuleID() uint16 { return b.moduleID }

// RegistryID returns the claimed registry slot, or -1 before connect.
func (b *Bridge) RegistryID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registryID
}

// ConnectDriver claims the device the context points at, validates the
// driver against the module's version and feature requirements, attaches
// it to the hardware, and marks the registry entry verified. On any
// failure the claim is rolled back and the bridge lands in the error
// state.
func (b *Bridge) ConnectDriver(ops driver.Operations, desc driver.Descriptor, required driver.Version, requiredFeatures uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateInitializing {
		return fmt.Errorf("bridge: connect in state %v: %w", b.state, ErrNotActive)
	}

	id, err := b.reg.FindByLocation(b.cfg.BusType, b.cfg.Location)
	if err != nil {
		b.state = StateError
		return fmt.Errorf("bridge %s: device at %+v: %w", b.name, b.cfg.Location, err)
	}
	if err := b.reg.Claim(id, b.moduleID); err != nil {
		b.state = StateError
		slog.Error("device claim failed", "module", b.name, "registry_id", id, "err", err)
		return fmt.Errorf("bridge %s: claim device %d: %w", b.name, id, err)
	}
	b.registryID = id
	b.claimHeld = true
	slog.Info("device claimed", "module", b.name, "registry_id", id)

	versioned, err := driver.NewVersionedOps(ops, desc)
	if err != nil {
		b.fail()
		return fmt.Errorf("bridge %s: %w", b.name, err)
	}
	compat := versioned.Validate(required, requiredFeatures)
	if compat.Hard() {
		b.fail()
		slog.Error("driver rejected", "module", b.name, "driver", desc.Name,
			"have", desc.Version, "want", required, "reason", compat)
		return fmt.Errorf("bridge %s: driver %s %s vs required %s: %v: %w",
			b.name, desc.Name, desc.Version, required, compat, ErrIncompatible)
	}
	if compat != driver.Compatible {
		slog.Warn("driver version mismatch tolerated", "module", b.name,
			"driver", desc.Name, "have", desc.Version, "want", required, "reason", compat)
	}

	if err := versioned.Attach(b.cfg); err != nil {
		b.fail()
		return fmt.Errorf("bridge %s: attach driver %s: %w", b.name, desc.Name, err)
	}
	b.ops = versioned

	// The context's MAC may be empty for ISA devices; the driver read
	// the real station address during attach.
	mac := b.cfg.MAC
	if mac == ([6]byte{}) {
		if m, err := versioned.MAC(); err == nil {
			mac = m
		}
	}
	if err := b.reg.AttachInfo(id, b.moduleID, b.cfg.IRQ, mac); err != nil {
		slog.Warn("registry info update failed", "module", b.name, "err", err)
	}
	if err := b.reg.Verify(id, b.moduleID); err != nil {
		slog.Warn("registry verify failed", "module", b.name, "err", err)
	} else {
		slog.Debug("device verified", "module", b.name, "registry_id", id)
	}

	b.state = StateActive
	slog.Info("driver connected", "module", b.name, "driver", desc.Name,
		"io_base", fmt.Sprintf("%#x", b.cfg.IOBase), "irq", b.cfg.IRQ)
	return nil
}

// fail rolls back the claim, if held, and parks the bridge in the error
// state. Cleanup after a failed connect must not release twice. The
// caller holds b.mu.
func (b *Bridge) fail() {
	if b.claimHeld {
		if err := b.reg.Release(b.registryID, b.moduleID); err != nil {
			slog.Error("claim rollback failed", "module", b.name, "err", err)
		}
		b.claimHeld = false
	}
	b.state = StateError
}

// Send queues one frame through the connected driver.
func (b *Bridge) Send(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateActive {
		return ErrNotActive
	}
	if err := b.ops.Send(frame); err != nil {
		b.counters.TxErrors++
		return fmt.Errorf("bridge %s: send: %w", b.name, err)
	}
	b.counters.TxPackets++
	return nil
}

// Receive copies the next pending frame into buf.
func (b *Bridge) Receive(buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateActive {
		return 0, ErrNotActive
	}
	n, err := b.ops.Receive(buf)
	if err != nil {
		b.counters.RxErrors++
		return 0, fmt.Errorf("bridge %s: receive: %w", b.name, err)
	}
	b.counters.RxPackets++
	return n, nil
}

// HandleInterrupt runs the driver's interrupt handler inside the guard.
// An invocation past the nesting cap is suppressed and reported as
// ErrReentrant; the caller must not retry it.
func (b *Bridge) HandleInterrupt() error {
	b.mu.Lock()
	if b.state != StateActive {
		b.mu.Unlock()
		return ErrNotActive
	}
	ops := b.ops
	b.mu.Unlock()

	// The mutex is dropped before the handler runs so a nested delivery
	// can make it back through this path; the guard does the counting.
	section, err := b.guard.Enter()
	if err != nil {
		b.mu.Lock()
		b.counters.ISRErrors++
		b.mu.Unlock()
		slog.Error("interrupt suppressed", "module", b.name, "err", err)
		return err
	}
	ops.HandleInterrupt()
	if elapsed, slow := section.Exit(); slow {
		slog.Warn("interrupt handler slow", "module", b.name,
			"us", elapsed, "budget_us", BudgetMicros)
	}
	return nil
}

// Suspend parks an active module. Interrupts and API calls are refused
// until Resume.
func (b *Bridge) Suspend() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateActive {
		return fmt.Errorf("bridge: suspend in state %v: %w", b.state, ErrNotActive)
	}
	b.state = StateSuspended
	return nil
}

// Resume reactivates a suspended module.
func (b *Bridge) Resume() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateSuspended {
		return fmt.Errorf("bridge: resume in state %v: %w", b.state, ErrNotActive)
	}
	b.state = StateActive
	return nil
}

// Statistics merges the bridge's counters with the driver's, when one
// is connected and validated.
func (b *Bridge) Statistics() (Counters, driver.Statistics, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ops == nil {
		return b.counters, driver.Statistics{}, ErrNotConnected
	}
	ds, err := b.ops.Statistics()
	if err != nil {
		return b.counters, driver.Statistics{}, err
	}
	return b.counters, ds, nil
}

// GuardStats exposes the interrupt guard's counters.
func (b *Bridge) GuardStats() GuardStats { return b.guard.Stats() }

// Cleanup releases the registry claim (exactly once, only if held),
// detaches the driver, and parks the bridge in the unloaded state. It
// is idempotent.
func (b *Bridge) Cleanup() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateUnloaded {
		return nil
	}
	b.state = StateUnloading

	var firstErr error
	if err := b.guard.CheckCanary(); err != nil {
		slog.Error("stack canary check failed", "module", b.name, "err", err)
		firstErr = err
	}
	if b.ops != nil && b.ops.Validated() {
		if err := b.ops.Detach(); err != nil {
			slog.Error("driver detach failed", "module", b.name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if b.claimHeld {
		if err := b.reg.Release(b.registryID, b.moduleID); err != nil {
			slog.Error("claim release failed", "module", b.name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			slog.Info("device released", "module", b.name, "registry_id", b.registryID)
		}
		b.claimHeld = false
	}
	b.ops = nil
	b.state = StateUnloaded
	return firstErr
}
