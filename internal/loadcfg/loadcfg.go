// Package loadcfg reads the loader's YAML configuration: which module
// files to load, which driver serves each, and the operator's per-device
// overrides.
package loadcfg

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultModuleDir is where module files are looked up when the
// configuration does not say otherwise.
const DefaultModuleDir = "modules"

// ModuleConfig names one module file and its device policy.
type ModuleConfig struct {
	File   string `yaml:"file"`
	Driver string `yaml:"driver"`

	ForcePIO    bool `yaml:"forcePIO,omitempty"`
	NoBusMaster bool `yaml:"noBusMaster,omitempty"`
	NoChecksum  bool `yaml:"noChecksum,omitempty"`
}

// ISAConfig names one legacy adapter the detector should probe. The IRQ
// is configured, not detected, because reading it from the card is not
// safe without the activation protocol.
type ISAConfig struct {
	IOBase uint16 `yaml:"ioBase"`
	IRQ    uint8  `yaml:"irq"`
}

// Config is the loader configuration file.
type Config struct {
	Version   int            `yaml:"version"`
	ModuleDir string         `yaml:"moduleDir,omitempty"`
	Modules   []ModuleConfig `yaml:"modules"`
	ISA       []ISAConfig    `yaml:"isa,omitempty"`
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.ModuleDir == "" {
		c.ModuleDir = DefaultModuleDir
	}
}

// validate rejects entries the loader could not act on.
func (c *Config) validate() error {
	for i, m := range c.Modules {
		if m.File == "" {
			return fmt.Errorf("modules[%d]: missing file", i)
		}
		if m.Driver == "" {
			return fmt.Errorf("modules[%d] (%s): missing driver", i, m.File)
		}
	}
	for i, isa := range c.ISA {
		if isa.IOBase == 0 {
			return fmt.Errorf("isa[%d]: missing ioBase", i)
		}
	}
	return nil
}

// ModulePath resolves a module file against the module directory.
func (c *Config) ModulePath(m ModuleConfig) string {
	if filepath.IsAbs(m.File) {
		return m.File
	}
	return filepath.Join(c.ModuleDir, m.File)
}

// Load reads and normalizes a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
