// Package registry is the single source of truth for which module owns
// which physically discovered device. Entries are created once by the
// detector and live until process teardown; claim, release, and verify are
// the only mutations afterwards.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Capacity is the fixed number of registry slots. The table is an arena
// indexed by small integer handles; there is no dynamic growth.
const Capacity = 16

// Bus kinds.
const (
	BusISA    = 0x01
	BusPCI    = 0x02
	BusPCMCIA = 0x03
)

// AnyClaimState in a Filter matches both claimed and unclaimed entries.
const AnyClaimState = 0xFF

var (
	ErrFull              = errors.New("registry: no free slots")
	ErrDuplicateLocation = errors.New("registry: device already registered at location")
	ErrNotFound          = errors.New("registry: no such device")
	ErrBusy              = errors.New("registry: device claimed by another owner")
	ErrNotClaimed        = errors.New("registry: device not claimed")
	ErrAccessDenied      = errors.New("registry: caller does not own device")
)

// Location identifies where a device sits on its bus. ISA devices use
// IOBase; PCI and PCMCIA devices use Bus/Device/Function.
type Location struct {
	IOBase   uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

// Entry describes one discovered device candidate.
type Entry struct {
	VendorID uint16
	DeviceID uint16
	Revision uint8
	BusType  uint8
	Location Location
	IRQ      uint8   // 0 until known
	MAC      [6]byte // zero until the driver reads it at attach
	Caps     uint16

	claimed  bool
	owner    uint16
	verified bool
}

// Claimed reports the entry's claim state.
func (e *Entry) Claimed() bool { return e.claimed }

// Owner returns the owning module id, or 0 when unclaimed.
func (e *Entry) Owner() uint16 { return e.owner }

// Verified reports whether the owning driver confirmed the device.
func (e *Entry) Verified() bool { return e.verified }

// HasMAC reports whether the entry carries a MAC address yet.
func (e *Entry) HasMAC() bool {
	return e.MAC != [6]byte{}
}

// Filter selects entries in Query. Zero vendor/device/bus fields match
// anything; ClaimState is 0 (unclaimed), 1 (claimed), or AnyClaimState.
type Filter struct {
	VendorID   uint16
	DeviceID   uint16
	BusType    uint8
	ClaimState uint8
}

// MatchAny is the filter that selects every populated entry.
var MatchAny = Filter{ClaimState: AnyClaimState}

// Stats summarizes registry occupancy.
type Stats struct {
	Total    int
	Claimed  int
	Verified int
}

// Registry is the fixed-capacity device table. All methods are safe to call
// from the module load/unload path; the mutex stands in for the interrupt
// masking the ownership protocol requires.
type Registry struct {
	mu    sync.Mutex
	slots [Capacity]Entry
	used  [Capacity]bool
	count int
}

// New returns an initialized registry with all slots free.
func New() *Registry {
	return &Registry{}
}

// Reset zeroes every slot. Idempotent; intended for a detector retry after
// a failed pass.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = [Capacity]Entry{}
	r.used = [Capacity]bool{}
	r.count = 0
}

// Add registers a detected device and returns its registry id. An entry
// whose (bus type, location) tuple is already present is rejected.
func (r *Registry) Add(entry Entry) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findByLocation(entry.BusType, entry.Location) >= 0 {
		return -1, ErrDuplicateLocation
	}

	for i := range r.slots {
		if r.used[i] {
			continue
		}
		entry.claimed = false
		entry.owner = 0
		entry.verified = false
		r.slots[i] = entry
		r.used[i] = true
		r.count++
		slog.Debug("registry: device added",
			"id", i,
			"vendor", fmt.Sprintf("%04x", entry.VendorID),
			"device", fmt.Sprintf("%04x", entry.DeviceID),
			"bus", entry.BusType)
		return i, nil
	}
	return -1, ErrFull
}

// Claim takes exclusive ownership of the device for owner. Atomic: exactly
// one caller can win; everyone else gets ErrBusy until the owner releases.
func (r *Registry) Claim(id int, owner uint16) error {
	if owner == 0 {
		return fmt.Errorf("registry: owner id must be non-zero")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if e.claimed {
		if e.owner == owner {
			return nil // already ours
		}
		return ErrBusy
	}
	e.claimed = true
	e.owner = owner
	slog.Debug("registry: device claimed", "id", id, "owner", fmt.Sprintf("%04x", owner))
	return nil
}

// Release gives up ownership. Only the current owner may release; the
// verified mark is cleared with the claim.
func (r *Registry) Release(id int, owner uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if !e.claimed {
		return ErrNotClaimed
	}
	if e.owner != owner {
		return ErrAccessDenied
	}
	e.claimed = false
	e.owner = 0
	e.verified = false
	slog.Debug("registry: device released", "id", id, "owner", fmt.Sprintf("%04x", owner))
	return nil
}

// Verify records that the owning driver validated the physical device.
// Only the current owner may set it.
func (r *Registry) Verify(id int, owner uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if !e.claimed || e.owner != owner {
		return ErrAccessDenied
	}
	e.verified = true
	return nil
}

// AttachInfo records the IRQ and MAC a driver learned while attaching.
// Only the current owner may update them.
func (r *Registry) AttachInfo(id int, owner uint16, irq uint8, mac [6]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if !e.claimed || e.owner != owner {
		return ErrAccessDenied
	}
	if irq != 0 {
		e.IRQ = irq
	}
	if mac != [6]byte{} {
		e.MAC = mac
	}
	return nil
}

// Get returns a copy of the entry at id.
func (r *Registry) Get(id int) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(id)
	if err != nil {
		return Entry{}, err
	}
	return *e, nil
}

// Query returns the ids of all entries matching the filter, in slot order.
func (r *Registry) Query(f Filter) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []int
	for i := range r.slots {
		if !r.used[i] {
			continue
		}
		e := &r.slots[i]
		if f.VendorID != 0 && e.VendorID != f.VendorID {
			continue
		}
		if f.DeviceID != 0 && e.DeviceID != f.DeviceID {
			continue
		}
		if f.BusType != 0 && e.BusType != f.BusType {
			continue
		}
		if f.ClaimState != AnyClaimState {
			if (f.ClaimState != 0) != e.claimed {
				continue
			}
		}
		ids = append(ids, i)
	}
	return ids
}

// FindByLocation returns the id of the entry at the given bus location.
func (r *Registry) FindByLocation(busType uint8, loc Location) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id := r.findByLocation(busType, loc); id >= 0 {
		return id, nil
	}
	return -1, ErrNotFound
}

// FindByMAC returns the id of the entry carrying the given MAC address.
// Entries without a MAC yet never match.
func (r *Registry) FindByMAC(mac [6]byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if !r.used[i] || !r.slots[i].HasMAC() {
			continue
		}
		if r.slots[i].MAC == mac {
			return i, nil
		}
	}
	return -1, ErrNotFound
}

// Iterate calls fn for every populated entry until fn returns false.
func (r *Registry) Iterate(fn func(id int, e Entry) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.slots {
		if !r.used[i] {
			continue
		}
		if !fn(i, r.slots[i]) {
			return
		}
	}
}

// Stats returns occupancy counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{}
	for i := range r.slots {
		if !r.used[i] {
			continue
		}
		s.Total++
		if r.slots[i].claimed {
			s.Claimed++
		}
		if r.slots[i].verified {
			s.Verified++
		}
	}
	return s
}

func (r *Registry) lookup(id int) (*Entry, error) {
	if id < 0 || id >= Capacity || !r.used[id] {
		return nil, ErrNotFound
	}
	return &r.slots[id], nil
}

func (r *Registry) findByLocation(busType uint8, loc Location) int {
	for i := range r.slots {
		if !r.used[i] {
			continue
		}
		e := &r.slots[i]
		if e.BusType != busType {
			continue
		}
		switch busType {
		case BusISA:
			if e.Location.IOBase == loc.IOBase {
				return i
			}
		case BusPCI, BusPCMCIA:
			if e.Location.Bus == loc.Bus &&
				e.Location.Device == loc.Device &&
				e.Location.Function == loc.Function {
				return i
			}
		}
	}
	return -1
}
