package bridge

import (
	"errors"
	"math"
	"testing"
)

// tickClock is a manually advanced microsecond counter.
type tickClock struct{ t uint32 }

func (c *tickClock) now() uint32      { return c.t }
func (c *tickClock) advance(d uint32) { c.t += d }

func newTestGuard() (*Guard, *tickClock) {
	clk := &tickClock{t: 1000}
	g := NewGuard()
	g.now = clk.now
	return g, clk
}

func TestGuardBalancedEnterExit(t *testing.T) {
	g, clk := newTestGuard()

	s, err := g.Enter()
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if !g.Active() {
		t.Error("guard not active inside section")
	}
	clk.advance(40)
	elapsed, slow := s.Exit()
	if elapsed != 40 || slow {
		t.Errorf("Exit = (%d, %v), want (40, false)", elapsed, slow)
	}
	if g.Active() {
		t.Error("guard still active after exit")
	}

	st := g.Stats()
	if st.Entries != 1 || st.MaxMicros != 40 || st.LastMicros != 40 {
		t.Errorf("stats = %+v", st)
	}
}

func TestGuardNestingCap(t *testing.T) {
	g, _ := newTestGuard()

	var sections []*Section
	for i := 0; i < 1+MaxNesting; i++ {
		s, err := g.Enter()
		if err != nil {
			t.Fatalf("Enter %d: %v", i, err)
		}
		sections = append(sections, s)
	}

	// Depth is now at the cap; one more delivery must be refused.
	if _, err := g.Enter(); !errors.Is(err, ErrReentrant) {
		t.Fatalf("Enter past cap = %v, want ErrReentrant", err)
	}

	for i := len(sections) - 1; i >= 0; i-- {
		sections[i].Exit()
	}
	if g.Active() {
		t.Error("guard active after unwinding all sections")
	}

	st := g.Stats()
	if st.Entries != uint64(1+MaxNesting) || st.Refused != 1 {
		t.Errorf("stats = %+v", st)
	}

	// The refusal must not have leaked depth: a fresh entry succeeds.
	s, err := g.Enter()
	if err != nil {
		t.Fatalf("Enter after unwind: %v", err)
	}
	s.Exit()
}

func TestGuardSlowWarning(t *testing.T) {
	g, clk := newTestGuard()

	s, err := g.Enter()
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	clk.advance(BudgetMicros + 50)
	elapsed, slow := s.Exit()
	if !slow || elapsed != BudgetMicros+50 {
		t.Errorf("Exit = (%d, %v), want slow", elapsed, slow)
	}
	if st := g.Stats(); st.SlowCount != 1 || st.MaxMicros != BudgetMicros+50 {
		t.Errorf("stats = %+v", st)
	}
}

func TestGuardTimerWraparound(t *testing.T) {
	g, clk := newTestGuard()
	clk.t = math.MaxUint32 - 10

	s, err := g.Enter()
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	clk.t = 20 // counter wrapped past 2^32
	elapsed, _ := s.Exit()
	if elapsed != 30 {
		t.Errorf("elapsed across wraparound = %d, want 30", elapsed)
	}
}

func TestGuardExitIdempotent(t *testing.T) {
	g, clk := newTestGuard()

	s, _ := g.Enter()
	clk.advance(5)
	s.Exit()
	if elapsed, slow := s.Exit(); elapsed != 0 || slow {
		t.Errorf("second Exit = (%d, %v), want no-op", elapsed, slow)
	}
	if st := g.Stats(); st.Entries != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestGuardCanary(t *testing.T) {
	g, _ := newTestGuard()
	if err := g.CheckCanary(); err != nil {
		t.Errorf("canary before first entry: %v", err)
	}
	s, _ := g.Enter()
	s.Exit()
	if err := g.CheckCanary(); err != nil {
		t.Errorf("canary after clean invocation: %v", err)
	}
	g.canary = 0xBEEF
	if err := g.CheckCanary(); !errors.Is(err, ErrCanary) {
		t.Errorf("corrupted canary = %v, want ErrCanary", err)
	}
}
