package driver

import (
	"errors"
	"testing"
)

// stubOps is a minimal driver implementation for wrapper tests.
type stubOps struct {
	attached   bool
	interrupts int
}

func (s *stubOps) Attach(cfg *HardwareConfig) error { s.attached = true; return nil }
func (s *stubOps) Detach() error                    { s.attached = false; return nil }
func (s *stubOps) Send(frame []byte) error          { return nil }
func (s *stubOps) Receive(buf []byte) (int, error)  { return 0, nil }
func (s *stubOps) HandleInterrupt()                 { s.interrupts++ }
func (s *stubOps) Statistics() Statistics           { return Statistics{} }
func (s *stubOps) MAC() [6]byte                     { return [6]byte{0x00, 0x60, 0x8C, 0, 0, 1} }

func newOps(t *testing.T, version Version, features uint16) *VersionedOps {
	t.Helper()
	v, err := NewVersionedOps(&stubOps{}, Descriptor{
		Name:     "CORKSCRW",
		Vendor:   "3Com",
		Version:  version,
		Features: features,
	})
	if err != nil {
		t.Fatalf("NewVersionedOps: %v", err)
	}
	return v
}

func TestCheckCompatibilityMatrix(t *testing.T) {
	required := Version{Major: 1, Minor: 2}
	cases := []struct {
		name     string
		version  Version
		features uint16
		reqFeat  uint16
		want     Compat
	}{
		{"exact match", Version{1, 2, 0}, FeatureBusMaster, FeatureBusMaster, Compatible},
		{"feature superset", Version{1, 2, 5}, FeatureBusMaster | FeatureHWCsum | FeatureMII, FeatureBusMaster, Compatible},
		{"patch differs only", Version{1, 2, 9}, 0, 0, Compatible},
		{"minor ahead", Version{1, 3, 0}, 0, 0, MinorDiff},
		{"minor behind", Version{1, 1, 0}, 0, 0, MinorDiff},
		{"major ahead", Version{2, 2, 0}, 0, 0, MajorDiff},
		{"major behind window floor", Version{0, 9, 0}, 0, 0, TooOld},
		{"major beyond window", Version{3, 0, 0}, 0, 0, TooNew},
		{"missing feature beats version match", Version{1, 2, 0}, FeatureBusMaster, FeatureBusMaster | FeatureHWCsum, MissingFeatures},
		{"missing feature beats version gap", Version{2, 0, 0}, 0, FeatureMII, MissingFeatures},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := newOps(t, tc.version, tc.features)
			if got := CheckCompatibility(v, required, tc.reqFeat); got != tc.want {
				t.Errorf("CheckCompatibility = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCheckCompatibilityNil(t *testing.T) {
	if got := CheckCompatibility(nil, Version{1, 0, 0}, 0); got != Incompatible {
		t.Errorf("nil ops = %v, want Incompatible", got)
	}
}

func TestHardClassification(t *testing.T) {
	hard := []Compat{MajorDiff, Incompatible, TooOld, TooNew, MissingFeatures}
	for _, c := range hard {
		if !c.Hard() {
			t.Errorf("%v should be a hard failure", c)
		}
	}
	for _, c := range []Compat{Compatible, MinorDiff} {
		if c.Hard() {
			t.Errorf("%v should be usable", c)
		}
	}
}

func TestVersionGate(t *testing.T) {
	v := newOps(t, Version{1, 0, 0}, 0)

	if err := v.Send([]byte{1}); !errors.Is(err, ErrNotValidated) {
		t.Errorf("Send before validation = %v, want ErrNotValidated", err)
	}
	if v.HandleInterrupt() {
		t.Error("interrupt serviced before validation")
	}

	if c := v.Validate(Version{1, 0, 0}, 0); c != Compatible {
		t.Fatalf("Validate = %v", c)
	}
	if err := v.Send([]byte{1}); err != nil {
		t.Errorf("Send after validation: %v", err)
	}
	if !v.HandleInterrupt() {
		t.Error("interrupt dropped after validation")
	}
}

func TestValidateHardFailureDoesNotArm(t *testing.T) {
	v := newOps(t, Version{2, 0, 0}, 0)
	if c := v.Validate(Version{1, 0, 0}, 0); c != MajorDiff {
		t.Fatalf("Validate = %v, want MajorDiff", c)
	}
	if v.Validated() {
		t.Error("hard failure armed the wrapper")
	}
	if err := v.Detach(); !errors.Is(err, ErrNotValidated) {
		t.Errorf("Detach = %v, want ErrNotValidated", err)
	}
}

func TestValidateMinorDiffArms(t *testing.T) {
	v := newOps(t, Version{1, 4, 0}, FeatureBusMaster)
	if c := v.Validate(Version{1, 2, 0}, FeatureBusMaster); c != MinorDiff {
		t.Fatalf("Validate = %v, want MinorDiff", c)
	}
	if !v.Validated() {
		t.Error("minor difference should still arm the wrapper")
	}
}

func TestNewVersionedOpsRejectsBadDescriptors(t *testing.T) {
	if _, err := NewVersionedOps(nil, Descriptor{Name: "X", Version: Version{1, 0, 0}}); err == nil {
		t.Error("nil ops accepted")
	}
	if _, err := NewVersionedOps(&stubOps{}, Descriptor{Version: Version{1, 0, 0}}); err == nil {
		t.Error("empty name accepted")
	}
	if _, err := NewVersionedOps(&stubOps{}, Descriptor{Name: "X"}); err == nil {
		t.Error("zero version accepted")
	}
}
