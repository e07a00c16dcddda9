// Command mkmod packages a raw payload into a module image: it writes
// the 64-byte header, seals both checksums, and verifies the result the
// same way the loader will.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/etherlink/elcore/internal/modfmt"
	"github.com/etherlink/elcore/internal/modload"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mkmod: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	name := flag.String("name", "", "Module name (8.3, at most 11 characters)")
	id := flag.Uint("id", 0, "Module identifier (16 bit)")
	modType := flag.Uint("type", modfmt.TypeNIC, "Module type (1=nic 2=service 3=feature 4=diagnostic)")
	vendor := flag.Uint("vendor", 0, "Vendor identifier (32 bit)")
	initEntry := flag.Uint("init", 0, "Init entry offset")
	apiEntry := flag.Uint("api", 0, "API entry offset")
	isrEntry := flag.Uint("isr", 0, "ISR entry offset")
	unloadEntry := flag.Uint("unload", 0, "Unload entry offset")
	residentPara := flag.Uint("resident", 0, "Resident size in paragraphs (default: whole image)")
	output := flag.String("o", "", "Output module file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <payload>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Package a payload into a loadable module image.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("payload file required")
	}
	if *name == "" || *id == 0 || *output == "" {
		return fmt.Errorf("-name, -id, and -o are required")
	}

	payload, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	totalBytes := modfmt.HeaderSize + len(payload)
	totalPara := (totalBytes + modfmt.ParagraphSize - 1) / modfmt.ParagraphSize
	if totalPara > 0xFFFF {
		return fmt.Errorf("payload too large: %d paragraphs", totalPara)
	}
	resident := uint16(totalPara)
	if *residentPara != 0 {
		resident = uint16(*residentPara)
	}

	hdr := modfmt.Header{
		ABIVersion:       modfmt.ABIVersion,
		ModuleType:       uint8(*modType),
		TotalSizePara:    uint16(totalPara),
		ResidentSizePara: resident,
		InitEntry:        uint16(*initEntry),
		APIEntry:         uint16(*apiEntry),
		ISREntry:         uint16(*isrEntry),
		UnloadEntry:      uint16(*unloadEntry),
		ModuleID:         uint16(*id),
		Name:             *name,
		VendorID:         uint32(*vendor),
		BuildTimestamp:   uint32(time.Now().Unix()),
	}
	hdr.ImageChecksum = modfmt.ImageChecksum(payload)
	if !hdr.Validate() {
		return fmt.Errorf("header invariants violated; check sizes and entry offsets")
	}
	sealed := hdr.SealChecksum()

	image := append(sealed[:], payload...)
	if err := os.WriteFile(*output, image, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *output, err)
	}

	// Round-trip through the loader's validator before calling it done.
	if _, err := modload.Read(*output); err != nil {
		return fmt.Errorf("self-check failed: %w", err)
	}
	slog.Info("module written", "path", *output,
		"name", hdr.Name, "id", fmt.Sprintf("%#04x", hdr.ModuleID),
		"bytes", len(image))
	return nil
}
