package driver

import "fmt"

// Interface versions the core itself understands. Drivers outside this
// window cannot be reasoned about at all, regardless of what a module
// requires.
const (
	MinSupportedMajor = 1
	MaxSupportedMajor = 2
)

// Feature bits a driver may advertise.
const (
	FeatureBusMaster = 0x0001
	FeatureHWCsum    = 0x0002
	FeatureMII       = 0x0004
	FeatureNWay      = 0x0008
	FeatureWakeOnLAN = 0x0010
	FeaturePromisc   = 0x0020
)

// Version is a driver interface version.
type Version struct {
	Major uint8
	Minor uint8
	Patch uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compat classifies the outcome of a compatibility check.
type Compat int

const (
	Compatible      Compat = iota // exact fit
	MinorDiff                     // same major, different minor: warn only
	MajorDiff                     // newer major than required: hard failure
	Incompatible                  // structurally unusable (nil ops, zero version)
	TooOld                        // below the required or supported floor
	TooNew                        // above the supported interface window
	MissingFeatures               // required feature bits absent
)

func (c Compat) String() string {
	switch c {
	case Compatible:
		return "compatible"
	case MinorDiff:
		return "minor version difference"
	case MajorDiff:
		return "major version difference"
	case Incompatible:
		return "incompatible"
	case TooOld:
		return "driver too old"
	case TooNew:
		return "driver too new"
	case MissingFeatures:
		return "missing required features"
	default:
		return fmt.Sprintf("compat(%d)", int(c))
	}
}

// Hard reports whether the classification forbids activating the pairing.
// Only an exact fit and a minor-version difference are usable.
func (c Compat) Hard() bool {
	return c != Compatible && c != MinorDiff
}

// Descriptor is what a driver implementation declares about itself.
type Descriptor struct {
	Name     string
	Vendor   string
	Version  Version
	Features uint16 // supported feature mask
}

// VersionedOps wraps a legacy operations table with the version tag the
// bridge checks before any call crosses the boundary.
type VersionedOps struct {
	Descriptor

	ops       Operations
	validated bool
}

// NewVersionedOps builds the versioned wrapper around a driver's
// operations table.
func NewVersionedOps(ops Operations, desc Descriptor) (*VersionedOps, error) {
	if ops == nil {
		return nil, fmt.Errorf("driver: nil operations table")
	}
	if desc.Name == "" {
		return nil, fmt.Errorf("driver: descriptor needs a name")
	}
	if desc.Version == (Version{}) {
		return nil, fmt.Errorf("driver %q: zero interface version", desc.Name)
	}
	return &VersionedOps{Descriptor: desc, ops: ops}, nil
}

// CheckCompatibility classifies a driver against a module's requirements:
// a strict major-version floor, warn-only minor mismatch, and a hard fail
// whenever a required feature bit is absent. Feature gaps dominate even a
// perfect version match.
func CheckCompatibility(v *VersionedOps, required Version, requiredFeatures uint16) Compat {
	if v == nil || v.ops == nil {
		return Incompatible
	}
	if v.Features&requiredFeatures != requiredFeatures {
		return MissingFeatures
	}
	switch {
	case v.Version.Major < MinSupportedMajor:
		return TooOld
	case v.Version.Major > MaxSupportedMajor:
		return TooNew
	case v.Version.Major < required.Major:
		return TooOld
	case v.Version.Major > required.Major:
		return MajorDiff
	case v.Version.Minor != required.Minor:
		return MinorDiff
	default:
		return Compatible
	}
}

// Validate runs the compatibility check and, when the result is usable,
// arms the wrapper so calls may pass through.
func (v *VersionedOps) Validate(required Version, requiredFeatures uint16) Compat {
	c := CheckCompatibility(v, required, requiredFeatures)
	if v != nil && !c.Hard() {
		v.validated = true
	}
	return c
}

// Validated reports whether the wrapper passed its compatibility check.
func (v *VersionedOps) Validated() bool {
	return v != nil && v.validated
}

// Attach forwards to the driver after the version gate.
func (v *VersionedOps) Attach(cfg *HardwareConfig) error {
	if !v.Validated() {
		return ErrNotValidated
	}
	return v.ops.Attach(cfg)
}

// Detach forwards to the driver after the version gate.
func (v *VersionedOps) Detach() error {
	if !v.Validated() {
		return ErrNotValidated
	}
	return v.ops.Detach()
}

// Send forwards to the driver after the version gate.
func (v *VersionedOps) Send(frame []byte) error {
	if !v.Validated() {
		return ErrNotValidated
	}
	return v.ops.Send(frame)
}

// Receive forwards to the driver after the version gate.
func (v *VersionedOps) Receive(buf []byte) (int, error) {
	if !v.Validated() {
		return 0, ErrNotValidated
	}
	return v.ops.Receive(buf)
}

// HandleInterrupt forwards to the driver. The gate is checked here too:
// an interrupt from an unvalidated pairing is dropped, not serviced.
func (v *VersionedOps) HandleInterrupt() bool {
	if !v.Validated() {
		return false
	}
	v.ops.HandleInterrupt()
	return true
}

// Statistics forwards to the driver after the version gate.
func (v *VersionedOps) Statistics() (Statistics, error) {
	if !v.Validated() {
		return Statistics{}, ErrNotValidated
	}
	return v.ops.Statistics(), nil
}

// MAC forwards to the driver after the version gate.
func (v *VersionedOps) MAC() ([6]byte, error) {
	if !v.Validated() {
		return [6]byte{}, ErrNotValidated
	}
	return v.ops.MAC(), nil
}
