package modfmt

import (
	"encoding/binary"
	"fmt"
)

// ExportEntrySize is the encoded size of one export-table entry.
const ExportEntrySize = 12

// RelocEntrySize is the encoded size of one relocation-table entry.
const RelocEntrySize = 4

// Export symbol flags.
const (
	SymbolFunction = 0x0001
	SymbolData     = 0x0002
	SymbolFarCall  = 0x0004
	SymbolISRSafe  = 0x0008
)

// Relocation types.
const (
	RelocSegOfs  = 0x01
	RelocSegment = 0x02
	RelocOffset  = 0x03
	RelocRelNear = 0x04
	RelocRelFar  = 0x05
)

// Export is one entry in a module's export directory.
type Export struct {
	Name   string // at most 8 bytes, NUL padded on the wire
	Offset uint16 // from module base
	Flags  uint16
}

// Reloc is one entry in a module's relocation table.
type Reloc struct {
	Type   uint8
	Offset uint16 // from module base, site to patch
}

// EncodeExport serializes one export entry.
func EncodeExport(e Export) [ExportEntrySize]byte {
	var buf [ExportEntrySize]byte
	copy(buf[:8], e.Name)
	binary.LittleEndian.PutUint16(buf[8:], e.Offset)
	binary.LittleEndian.PutUint16(buf[10:], e.Flags)
	return buf
}

// DecodeExports parses count export entries starting at raw.
func DecodeExports(raw []byte, count int) ([]Export, error) {
	if count < 0 || len(raw) < count*ExportEntrySize {
		return nil, fmt.Errorf("export table truncated: have %d bytes, need %d", len(raw), count*ExportEntrySize)
	}
	out := make([]Export, 0, count)
	for i := 0; i < count; i++ {
		rec := raw[i*ExportEntrySize:]
		out = append(out, Export{
			Name:   trimName(rec[:8]),
			Offset: binary.LittleEndian.Uint16(rec[8:]),
			Flags:  binary.LittleEndian.Uint16(rec[10:]),
		})
	}
	return out, nil
}

// EncodeReloc serializes one relocation entry. Byte 1 is reserved and
// must stay zero.
func EncodeReloc(r Reloc) [RelocEntrySize]byte {
	var buf [RelocEntrySize]byte
	buf[0] = r.Type
	binary.LittleEndian.PutUint16(buf[2:], r.Offset)
	return buf
}

// DecodeRelocs parses count relocation entries starting at raw.
func DecodeRelocs(raw []byte, count int) ([]Reloc, error) {
	if count < 0 || len(raw) < count*RelocEntrySize {
		return nil, fmt.Errorf("relocation table truncated: have %d bytes, need %d", len(raw), count*RelocEntrySize)
	}
	out := make([]Reloc, 0, count)
	for i := 0; i < count; i++ {
		rec := raw[i*RelocEntrySize:]
		if rec[1] != 0 {
			return nil, fmt.Errorf("relocation %d: reserved byte is 0x%02x", i, rec[1])
		}
		switch rec[0] {
		case RelocSegOfs, RelocSegment, RelocOffset, RelocRelNear, RelocRelFar:
		default:
			return nil, fmt.Errorf("relocation %d: unknown type 0x%02x", i, rec[0])
		}
		out = append(out, Reloc{
			Type:   rec[0],
			Offset: binary.LittleEndian.Uint16(rec[2:]),
		})
	}
	return out, nil
}
