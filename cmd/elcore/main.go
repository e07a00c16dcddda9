// Command elcore is the EtherLink loader front end: it validates the
// module ABI, runs hardware detection, and loads the configured modules
// against their drivers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/etherlink/elcore/internal/detect"
	"github.com/etherlink/elcore/internal/driver"
	"github.com/etherlink/elcore/internal/loadcfg"
	"github.com/etherlink/elcore/internal/modfmt"
	"github.com/etherlink/elcore/internal/modload"
	"github.com/etherlink/elcore/internal/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "elcore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "elcore.yaml", "Loader configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	dryRun := flag.Bool("dry-run", false, "Validate modules and detect hardware without loading")
	noPCI := flag.Bool("no-pci", false, "Skip the PCI bus scan")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Load EtherLink driver modules against detected hardware.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// The wire structs must match the documented layout before any
	// module file is trusted.
	if err := modfmt.ValidateLayout(); err != nil {
		return fmt.Errorf("module ABI self-check: %w", err)
	}

	cfg, err := loadcfg.Load(*configPath)
	if err != nil {
		return err
	}

	reg := registry.New()
	detCfg := detect.Config{Registry: reg}
	if !*noPCI {
		detCfg.Bus = platformBus()
	}
	if len(cfg.ISA) > 0 {
		ports, closePorts, err := platformPorts()
		if err != nil {
			slog.Warn("isa probe unavailable", "err", err)
		} else {
			defer closePorts()
			detCfg.Ports = ports
			for _, isa := range cfg.ISA {
				detCfg.ISA = append(detCfg.ISA, detect.ISACandidate{IOBase: isa.IOBase, IRQ: isa.IRQ})
			}
		}
	}

	det, err := detect.New(detCfg)
	if err != nil {
		return err
	}
	if err := det.Run(context.Background()); err != nil {
		return err
	}
	env, err := det.Environment()
	if err != nil {
		return err
	}
	printEnvironment(env)

	if *dryRun {
		return validateModules(cfg)
	}
	return loadModules(cfg, det, reg)
}

func printEnvironment(env *detect.Environment) {
	fmt.Printf("CPU:    %s (%d cores)\n", env.CPU.Model, env.CPU.Cores)
	fmt.Printf("Memory: %d MB\n", env.MemoryBytes/(1024*1024))
	if env.Coherency.Supported {
		fmt.Printf("Cache:  coherent DMA\n")
	} else {
		fmt.Printf("Cache:  DMA needs explicit flushes\n")
	}
	if env.Chipset.Known {
		fmt.Printf("Host bridge: %04x:%04x\n", env.Chipset.VendorID, env.Chipset.DeviceID)
	}
	for _, nic := range env.NICs {
		fmt.Printf("NIC:    %-28s %s io=%#x irq=%d (%s)\n",
			nic.Name, busName(nic.BusType), nic.Location.IOBase, nic.IRQ, nic.Generation)
	}
}

func busName(busType uint8) string {
	switch busType {
	case registry.BusISA:
		return "isa"
	case registry.BusPCI:
		return "pci"
	case registry.BusPCMCIA:
		return "pcmcia"
	default:
		return "?"
	}
}

// validateModules reads every configured module without touching
// hardware, reporting each verdict.
func validateModules(cfg loadcfg.Config) error {
	var failed int
	for _, mc := range cfg.Modules {
		path := cfg.ModulePath(mc)
		m, err := modload.Read(path)
		if err != nil {
			fmt.Printf("FAIL    %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("OK      %s (%s, id %#04x, %d exports)\n",
			path, m.Header.Name, m.Header.ModuleID, len(m.Exports))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d modules failed validation", failed, len(cfg.Modules))
	}
	return nil
}

func loadModules(cfg loadcfg.Config, det *detect.Detector, reg *registry.Registry) error {
	loader := modload.NewLoader(det, reg)

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(len(cfg.Modules)), "loading modules")
		defer bar.Close()
	}

	var failed int
	for _, mc := range cfg.Modules {
		path := cfg.ModulePath(mc)
		if err := loadOne(loader, cfg, mc, path); err != nil {
			slog.Error("module load failed", "path", path, "err", err)
			failed++
		}
		if bar != nil {
			bar.Add(1)
		}
	}

	for _, m := range loader.Modules() {
		br := m.Bridge()
		fmt.Printf("LOADED  %s (id %#04x) registry slot %d\n",
			m.Header.Name, m.Header.ModuleID, br.RegistryID())
	}
	st := reg.Stats()
	fmt.Printf("Registry: %d devices, %d claimed, %d verified\n",
		st.Total, st.Claimed, st.Verified)
	if failed > 0 {
		return fmt.Errorf("%d of %d modules failed to load", failed, len(cfg.Modules))
	}
	return nil
}

func loadOne(loader *modload.Loader, cfg loadcfg.Config, mc loadcfg.ModuleConfig, path string) error {
	// The driver binding is keyed by module id, which lives in the
	// header; read it first, then load for real.
	m, err := modload.Read(path)
	if err != nil {
		return err
	}
	spec, err := driverSpec(mc.Driver)
	if err != nil {
		return err
	}
	loader.RegisterDriver(m.Header.ModuleID, spec)
	_, err = loader.Load(path, modload.Overrides{
		ForcePIO:    mc.ForcePIO,
		NoBusMaster: mc.NoBusMaster,
		NoChecksum:  mc.NoChecksum,
	})
	return err
}

// driverSpec resolves a configured driver name to its implementation.
// TODO: replace the diagnostic driver with the real chip drivers once
// their data paths are ported.
func driverSpec(name string) (modload.DriverSpec, error) {
	kinds := map[string]struct {
		kind     detect.DeviceKind
		features uint16
	}{
		"3c509b":    {detect.KindEtherLinkIII, 0},
		"corkscrew": {detect.KindCorkscrew, driver.FeatureBusMaster},
		"vortex":    {detect.KindVortexPIO, 0},
		"boomerang": {detect.KindBoomerangDMA, driver.FeatureBusMaster},
	}
	k, ok := kinds[name]
	if !ok {
		return modload.DriverSpec{}, fmt.Errorf("unknown driver %q", name)
	}
	return modload.DriverSpec{
		Kind: k.kind,
		Desc: driver.Descriptor{
			Name:     name,
			Vendor:   "3Com",
			Version:  driver.Version{Major: 1, Minor: 0},
			Features: k.features | driver.FeaturePromisc,
		},
		Required:         driver.Version{Major: 1, Minor: 0},
		RequiredFeatures: k.features,
		New:              func() driver.Operations { return newDiagDriver() },
	}, nil
}
