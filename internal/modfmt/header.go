// Package modfmt implements the on-disk binary contract for loadable driver
// modules: the fixed 64-byte header, the export and relocation tables, and
// the checksums that protect them. The layout is byte-exact; every module
// built by any toolchain must match it, which is why the package also ships
// a process-start layout check (see abi.go).
package modfmt

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Signature identifies a module image ("Module Driver, 64-byte header").
const Signature = "MD64"

// ABIVersion is the current module ABI revision.
const ABIVersion = 1

// HeaderSize is the exact encoded size of a module header.
const HeaderSize = 64

// ParagraphSize is the allocation unit all module sizes are expressed in.
const ParagraphSize = 16

// Module types.
const (
	TypeNIC        = 0x01
	TypeService    = 0x02
	TypeFeature    = 0x03
	TypeDiagnostic = 0x04
)

// Module flags.
const (
	FlagDiscardCold  = 0x0001
	FlagHasISR       = 0x0002
	FlagNeedsDMASafe = 0x0004
	FlagXMSOptional  = 0x0008
	FlagSMCUsed      = 0x0010
	FlagNeedsTimer   = 0x0020
	FlagPCMCIAAware  = 0x0040
	FlagPCIAware     = 0x0080
)

// Required CPU types, encoded as the family number.
const (
	CPU8086    = 0x0086
	CPU80286   = 0x0286
	CPU80386   = 0x0386
	CPU80486   = 0x0486
	CPUPentium = 0x0586
)

// Required feature bits.
const (
	FeatureNone  = 0x0000
	FeatureFPU   = 0x0001
	FeatureMMX   = 0x0002
	FeatureCPUID = 0x0004
)

// Well-known module identifiers.
const (
	ModuleIDPTask    = 0x5054 // 'PT'
	ModuleIDCorkscrw = 0x434B // 'CK'
	ModuleIDBoomtex  = 0x4254 // 'BT'
	ModuleIDMempool  = 0x4D50 // 'MP'
	ModuleIDPCCard   = 0x5043 // 'PC'
	ModuleIDRouting  = 0x5254 // 'RT'
	ModuleIDStats    = 0x5354 // 'ST'
	ModuleIDDiag     = 0x4447 // 'DG'
)

// Field offsets within the encoded header.
const (
	offSignature        = 0x00
	offABIVersion       = 0x04
	offModuleType       = 0x05
	offFlags            = 0x06
	offTotalSizePara    = 0x08
	offResidentSizePara = 0x0A
	offColdSizePara     = 0x0C
	offAlignmentPara    = 0x0E
	offInitEntry        = 0x10
	offAPIEntry         = 0x12
	offISREntry         = 0x14
	offUnloadEntry      = 0x16
	offExportOffset     = 0x18
	offExportCount      = 0x1A
	offRelocOffset      = 0x1C
	offRelocCount       = 0x1E
	offBSSSizePara      = 0x20
	offRequiredCPU      = 0x22
	offRequiredFeatures = 0x24
	offModuleID         = 0x26
	offName             = 0x28
	offNamePadding      = 0x33
	offHeaderChecksum   = 0x34
	offImageChecksum    = 0x36
	offVendorID         = 0x38
	offBuildTimestamp   = 0x3C
)

const nameLength = 11

// Header is the decoded form of the 64-byte module descriptor. Sizes are in
// paragraphs, entry points and table offsets are bytes from the module base.
type Header struct {
	ABIVersion uint8
	ModuleType uint8
	Flags      uint16

	TotalSizePara    uint16
	ResidentSizePara uint16
	ColdSizePara     uint16
	AlignmentPara    uint16

	InitEntry   uint16
	APIEntry    uint16
	ISREntry    uint16
	UnloadEntry uint16

	ExportOffset uint16
	ExportCount  uint16
	RelocOffset  uint16
	RelocCount   uint16

	BSSSizePara      uint16
	RequiredCPU      uint16
	RequiredFeatures uint16
	ModuleID         uint16

	Name string // 8.3 uppercase, at most 11 bytes

	HeaderChecksum uint16
	ImageChecksum  uint16

	VendorID       uint32
	BuildTimestamp uint32
}

// TotalBytes returns the module's full size in bytes.
func (h *Header) TotalBytes() uint32 {
	return uint32(h.TotalSizePara) * ParagraphSize
}

// Encode serializes the header into its wire form. The checksum fields are
// written as stored; call SealChecksum to compute them.
func (h *Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	copy(buf[offSignature:], Signature)
	buf[offABIVersion] = h.ABIVersion
	buf[offModuleType] = h.ModuleType
	le := binary.LittleEndian
	le.PutUint16(buf[offFlags:], h.Flags)
	le.PutUint16(buf[offTotalSizePara:], h.TotalSizePara)
	le.PutUint16(buf[offResidentSizePara:], h.ResidentSizePara)
	le.PutUint16(buf[offColdSizePara:], h.ColdSizePara)
	le.PutUint16(buf[offAlignmentPara:], h.AlignmentPara)
	le.PutUint16(buf[offInitEntry:], h.InitEntry)
	le.PutUint16(buf[offAPIEntry:], h.APIEntry)
	le.PutUint16(buf[offISREntry:], h.ISREntry)
	le.PutUint16(buf[offUnloadEntry:], h.UnloadEntry)
	le.PutUint16(buf[offExportOffset:], h.ExportOffset)
	le.PutUint16(buf[offExportCount:], h.ExportCount)
	le.PutUint16(buf[offRelocOffset:], h.RelocOffset)
	le.PutUint16(buf[offRelocCount:], h.RelocCount)
	le.PutUint16(buf[offBSSSizePara:], h.BSSSizePara)
	le.PutUint16(buf[offRequiredCPU:], h.RequiredCPU)
	le.PutUint16(buf[offRequiredFeatures:], h.RequiredFeatures)
	le.PutUint16(buf[offModuleID:], h.ModuleID)
	copy(buf[offName:offName+nameLength], NormalizeName(h.Name))
	buf[offNamePadding] = 0
	le.PutUint16(buf[offHeaderChecksum:], h.HeaderChecksum)
	le.PutUint16(buf[offImageChecksum:], h.ImageChecksum)
	le.PutUint32(buf[offVendorID:], h.VendorID)
	le.PutUint32(buf[offBuildTimestamp:], h.BuildTimestamp)
	return buf
}

// Decode parses a wire header. It only checks that the buffer is large
// enough and carries the signature; semantic checks live in Validate.
func Decode(raw []byte) (*Header, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("module header truncated: %d bytes", len(raw))
	}
	if string(raw[offSignature:offSignature+4]) != Signature {
		return nil, fmt.Errorf("bad module signature %q", raw[offSignature:offSignature+4])
	}
	le := binary.LittleEndian
	h := &Header{
		ABIVersion:       raw[offABIVersion],
		ModuleType:       raw[offModuleType],
		Flags:            le.Uint16(raw[offFlags:]),
		TotalSizePara:    le.Uint16(raw[offTotalSizePara:]),
		ResidentSizePara: le.Uint16(raw[offResidentSizePara:]),
		ColdSizePara:     le.Uint16(raw[offColdSizePara:]),
		AlignmentPara:    le.Uint16(raw[offAlignmentPara:]),
		InitEntry:        le.Uint16(raw[offInitEntry:]),
		APIEntry:         le.Uint16(raw[offAPIEntry:]),
		ISREntry:         le.Uint16(raw[offISREntry:]),
		UnloadEntry:      le.Uint16(raw[offUnloadEntry:]),
		ExportOffset:     le.Uint16(raw[offExportOffset:]),
		ExportCount:      le.Uint16(raw[offExportCount:]),
		RelocOffset:      le.Uint16(raw[offRelocOffset:]),
		RelocCount:       le.Uint16(raw[offRelocCount:]),
		BSSSizePara:      le.Uint16(raw[offBSSSizePara:]),
		RequiredCPU:      le.Uint16(raw[offRequiredCPU:]),
		RequiredFeatures: le.Uint16(raw[offRequiredFeatures:]),
		ModuleID:         le.Uint16(raw[offModuleID:]),
		Name:             trimName(raw[offName : offName+nameLength]),
		HeaderChecksum:   le.Uint16(raw[offHeaderChecksum:]),
		ImageChecksum:    le.Uint16(raw[offImageChecksum:]),
		VendorID:         le.Uint32(raw[offVendorID:]),
		BuildTimestamp:   le.Uint32(raw[offBuildTimestamp:]),
	}
	return h, nil
}

// NormalizeName converts a module name to its stored form: uppercase,
// truncated to 11 bytes, NUL padded.
func NormalizeName(name string) []byte {
	out := make([]byte, nameLength)
	upper := strings.ToUpper(name)
	copy(out, upper)
	return out
}

func trimName(raw []byte) string {
	end := len(raw)
	for end > 0 && raw[end-1] == 0 {
		end--
	}
	return string(raw[:end])
}

// Validate reports whether a decoded header satisfies the format's
// structural invariants. Checksum verification is separate (VerifyChecksum)
// so callers can distinguish a malformed header from a corrupted one.
func (h *Header) Validate() bool {
	if h == nil {
		return false
	}
	if h.ABIVersion != ABIVersion {
		return false
	}
	switch h.ModuleType {
	case TypeNIC, TypeService, TypeFeature, TypeDiagnostic:
	default:
		return false
	}
	if h.ResidentSizePara > h.TotalSizePara {
		return false
	}
	total := h.TotalBytes()
	if total == 0 {
		return false
	}
	for _, entry := range []uint16{h.InitEntry, h.APIEntry, h.ISREntry, h.UnloadEntry} {
		if uint32(entry) >= total {
			return false
		}
	}
	return true
}

// HeaderChecksum computes the checksum over an encoded header, skipping the
// checksum field itself. Rotate-then-add keeps the sum position sensitive.
func HeaderChecksum(raw []byte) uint16 {
	var sum uint16
	for i := 0; i < HeaderSize && i < len(raw); i++ {
		if i == offHeaderChecksum || i == offHeaderChecksum+1 {
			continue
		}
		sum = sum<<1 | sum>>15
		sum += uint16(raw[i])
	}
	return sum
}

// ImageChecksum computes the checksum over a module payload (everything
// after the header).
func ImageChecksum(payload []byte) uint16 {
	var sum uint16
	for _, b := range payload {
		sum = sum<<1 | sum>>15
		sum ^= uint16(b)
		sum++
	}
	return sum
}

// SealChecksum computes and stores the header checksum for h, returning the
// encoded form with the checksum populated.
func (h *Header) SealChecksum() [HeaderSize]byte {
	buf := h.Encode()
	h.HeaderChecksum = HeaderChecksum(buf[:])
	binary.LittleEndian.PutUint16(buf[offHeaderChecksum:], h.HeaderChecksum)
	return buf
}

// VerifyChecksum reports whether the stored header checksum matches the
// encoded bytes.
func VerifyChecksum(raw []byte) bool {
	if len(raw) < HeaderSize {
		return false
	}
	stored := binary.LittleEndian.Uint16(raw[offHeaderChecksum:])
	return stored == HeaderChecksum(raw)
}
