package bridge

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	// MaxNesting is the hard cap on interrupt reentrancy. A fourth nested
	// delivery is refused outright rather than serviced.
	MaxNesting = 3

	// BudgetMicros is the real-time budget for one handler invocation.
	BudgetMicros = 100

	// canaryValue guards against stack corruption inside the handler.
	canaryValue = 0xDEAD
)

var (
	// ErrReentrant is returned by Enter when the nesting cap is exceeded.
	// The caller must drop the interrupt invocation, not retry.
	ErrReentrant = errors.New("bridge: interrupt nesting limit exceeded")

	// ErrCanary is returned when the stack sentinel no longer holds its
	// expected value.
	ErrCanary = errors.New("bridge: interrupt stack canary corrupted")
)

// Guard serializes interrupt handler invocations for one bridge. The
// handler may legitimately interrupt itself before returning, so Guard
// tracks a nesting depth instead of a plain lock, refuses entries past
// the cap, and times every invocation against the real-time budget.
//
// States: idle (not locked), locked (depth 0), nested (depth 1..3).
// All state changes happen inside a critical section so the load/unload
// control path and the asynchronous handler path never race.
type Guard struct {
	mu sync.Mutex

	locked bool
	depth  int
	canary uint16

	entries    uint64
	lastMicros uint32
	maxMicros  uint32
	slowCount  uint64
	refused    uint64

	now func() uint32 // microsecond tick counter, wraps at 2^32
}

// NewGuard returns a Guard in the idle state using the system clock.
func NewGuard() *Guard {
	return &Guard{now: systemMicros}
}

func systemMicros() uint32 {
	return uint32(time.Now().UnixMicro())
}

// Section is one guarded handler invocation. Exit must be called exactly
// once on every Section returned by a successful Enter; it is safe to
// defer and idempotent.
type Section struct {
	g     *Guard
	start uint32
	done  bool
}

// Enter begins a guarded invocation. A nil error means the handler may
// run and the returned Section must be exited. ErrReentrant means the
// invocation is suppressed and no Section is held.
func (g *Guard) Enter() (*Section, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.locked {
		if g.depth >= MaxNesting {
			g.refused++
			return nil, ErrReentrant
		}
		g.depth++
		slog.Debug("interrupt reentry", "depth", g.depth)
	} else {
		g.locked = true
	}
	if g.canary == 0 {
		g.canary = canaryValue
	}
	g.entries++
	return &Section{g: g, start: g.now()}, nil
}

// Exit ends a guarded invocation, returning the elapsed time in
// microseconds and whether it blew the real-time budget.
func (s *Section) Exit() (elapsed uint32, slow bool) {
	if s == nil || s.done {
		return 0, false
	}
	s.done = true

	g := s.g
	g.mu.Lock()
	defer g.mu.Unlock()

	elapsed = elapsedMicros(s.start, g.now())
	g.lastMicros = elapsed
	if elapsed > g.maxMicros {
		g.maxMicros = elapsed
	}
	if elapsed > BudgetMicros {
		slow = true
		g.slowCount++
	}

	if g.depth > 0 {
		g.depth--
	} else {
		g.locked = false
	}
	return elapsed, slow
}

// elapsedMicros handles the tick counter wrapping past 2^32.
func elapsedMicros(start, now uint32) uint32 {
	if now >= start {
		return now - start
	}
	return (math.MaxUint32 - start) + now
}

// CheckCanary verifies the stack sentinel. A zero canary means no
// invocation has happened yet, which is fine.
func (g *Guard) CheckCanary() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.canary != 0 && g.canary != canaryValue {
		return ErrCanary
	}
	return nil
}

// Active reports whether a handler invocation is in flight.
func (g *Guard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.locked
}

// GuardStats is a snapshot of the guard's counters.
type GuardStats struct {
	Entries    uint64
	Refused    uint64
	SlowCount  uint64
	LastMicros uint32
	MaxMicros  uint32
}

// Stats returns a snapshot of the guard's counters.
func (g *Guard) Stats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GuardStats{
		Entries:    g.entries,
		Refused:    g.refused,
		SlowCount:  g.slowCount,
		LastMicros: g.lastMicros,
		MaxMicros:  g.maxMicros,
	}
}
