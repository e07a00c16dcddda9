package modfmt

import (
	"fmt"
	"unsafe"
)

// wireHeader mirrors the encoded header field-for-field with fixed-width
// types. Its in-memory layout must equal the wire layout exactly; if the
// compiler inserts padding or reorders anything, module images written by
// one build would be unreadable by another. ValidateLayout checks this at
// process start rather than trusting it.
type wireHeader struct {
	Signature        [4]byte
	ABIVersion       uint8
	ModuleType       uint8
	Flags            uint16
	TotalSizePara    uint16
	ResidentSizePara uint16
	ColdSizePara     uint16
	AlignmentPara    uint16
	InitEntry        uint16
	APIEntry         uint16
	ISREntry         uint16
	UnloadEntry      uint16
	ExportOffset     uint16
	ExportCount      uint16
	RelocOffset      uint16
	RelocCount       uint16
	BSSSizePara      uint16
	RequiredCPU      uint16
	RequiredFeatures uint16
	ModuleID         uint16
	Name             [11]byte
	NamePadding      uint8
	HeaderChecksum   uint16
	ImageChecksum    uint16
	VendorID         uint32
	BuildTimestamp   uint32
}

type wireExport struct {
	Name   [8]byte
	Offset uint16
	Flags  uint16
}

type wireReloc struct {
	Type     uint8
	Reserved uint8
	Offset   uint16
}

// ValidateLayout verifies that this build lays out the wire structures at
// the exact sizes and field offsets the module format requires. Call it
// once at process start, before any module image is touched.
func ValidateLayout() error {
	var h wireHeader
	if got := unsafe.Sizeof(h); got != HeaderSize {
		return fmt.Errorf("module header size is %d, want %d", got, HeaderSize)
	}

	checks := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"signature", unsafe.Offsetof(h.Signature), offSignature},
		{"abi_version", unsafe.Offsetof(h.ABIVersion), offABIVersion},
		{"module_type", unsafe.Offsetof(h.ModuleType), offModuleType},
		{"flags", unsafe.Offsetof(h.Flags), offFlags},
		{"total_size_para", unsafe.Offsetof(h.TotalSizePara), offTotalSizePara},
		{"resident_size_para", unsafe.Offsetof(h.ResidentSizePara), offResidentSizePara},
		{"cold_size_para", unsafe.Offsetof(h.ColdSizePara), offColdSizePara},
		{"alignment_para", unsafe.Offsetof(h.AlignmentPara), offAlignmentPara},
		{"init_entry", unsafe.Offsetof(h.InitEntry), offInitEntry},
		{"api_entry", unsafe.Offsetof(h.APIEntry), offAPIEntry},
		{"isr_entry", unsafe.Offsetof(h.ISREntry), offISREntry},
		{"unload_entry", unsafe.Offsetof(h.UnloadEntry), offUnloadEntry},
		{"export_offset", unsafe.Offsetof(h.ExportOffset), offExportOffset},
		{"export_count", unsafe.Offsetof(h.ExportCount), offExportCount},
		{"reloc_offset", unsafe.Offsetof(h.RelocOffset), offRelocOffset},
		{"reloc_count", unsafe.Offsetof(h.RelocCount), offRelocCount},
		{"bss_size_para", unsafe.Offsetof(h.BSSSizePara), offBSSSizePara},
		{"required_cpu", unsafe.Offsetof(h.RequiredCPU), offRequiredCPU},
		{"required_features", unsafe.Offsetof(h.RequiredFeatures), offRequiredFeatures},
		{"module_id", unsafe.Offsetof(h.ModuleID), offModuleID},
		{"name", unsafe.Offsetof(h.Name), offName},
		{"name_padding", unsafe.Offsetof(h.NamePadding), offNamePadding},
		{"header_checksum", unsafe.Offsetof(h.HeaderChecksum), offHeaderChecksum},
		{"image_checksum", unsafe.Offsetof(h.ImageChecksum), offImageChecksum},
		{"vendor_id", unsafe.Offsetof(h.VendorID), offVendorID},
		{"build_timestamp", unsafe.Offsetof(h.BuildTimestamp), offBuildTimestamp},
	}
	for _, c := range checks {
		if c.got != c.want {
			return fmt.Errorf("module header field %s at offset %d, want %d", c.name, c.got, c.want)
		}
	}

	var e wireExport
	if got := unsafe.Sizeof(e); got != ExportEntrySize {
		return fmt.Errorf("export entry size is %d, want %d", got, ExportEntrySize)
	}
	if got := unsafe.Offsetof(e.Offset); got != 8 {
		return fmt.Errorf("export entry offset field at %d, want 8", got)
	}

	var r wireReloc
	if got := unsafe.Sizeof(r); got != RelocEntrySize {
		return fmt.Errorf("relocation entry size is %d, want %d", got, RelocEntrySize)
	}
	if got := unsafe.Offsetof(r.Offset); got != 2 {
		return fmt.Errorf("relocation entry offset field at %d, want 2", got)
	}

	return nil
}
