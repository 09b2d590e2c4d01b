// Package config loads and validates the resolver configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ibresolver/internal/arch"
	"ibresolver/internal/classify"
)

var (
	ErrNoArch   = errors.New("config: no architecture given")
	ErrNoOutput = errors.New("config: no output path given")
	ErrInvalid  = errors.New("config: invalid configuration")
)

// Attribution selects how the segment map is populated.
type Attribution string

const (
	AttributionNone     Attribution = "none"
	AttributionMaps     Attribution = "maps"
	AttributionSyscalls Attribution = "syscalls"
	AttributionBoth     Attribution = "both"
)

// UsesMaps reports whether a static maps listing is parsed at startup.
func (a Attribution) UsesMaps() bool { return a == AttributionMaps || a == AttributionBoth }

// UsesSyscalls reports whether loader syscalls are followed.
func (a Attribution) UsesSyscalls() bool { return a == AttributionSyscalls || a == AttributionBoth }

// Enabled reports whether rows are attributed at all.
func (a Attribution) Enabled() bool { return a != AttributionNone }

// Log configures logging.
type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the full configuration surface.
type Config struct {
	Arch      string `yaml:"arch"`
	Backend   string `yaml:"backend"`
	Callsites string `yaml:"callsites"`

	Output string `yaml:"output"`
	Graph  string `yaml:"graph"`

	Attribution Attribution `yaml:"attribution"`
	Maps        string      `yaml:"maps"`
	GuestBase   uint64      `yaml:"guest_base"`

	PrimaryImage string `yaml:"primary_image"`
	PrimaryBase  uint64 `yaml:"primary_base"`
	InterpBase   uint64 `yaml:"interp_base"`

	Log Log `yaml:"log"`
}

// DefaultMaps is the maps listing parsed when none is configured.
const DefaultMaps = "/proc/self/maps"

// Default returns a configuration with every optional field at its
// default. Arch and Output are left empty.
func Default() Config {
	return Config{
		Backend:     classify.BackendPattern.String(),
		Attribution: AttributionSyscalls,
		Maps:        DefaultMaps,
		Log:         Log{Level: "info", Pretty: true},
	}
}

// Load reads a YAML file over the defaults. Missing keys keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}
	return cfg, nil
}

// Validate checks the configuration without touching the filesystem.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Arch) == "" {
		return ErrNoArch
	}
	if _, err := arch.Parse(c.Arch); err != nil {
		return err
	}
	if _, err := classify.ParseBackend(c.Backend); err != nil {
		return err
	}
	if strings.TrimSpace(c.Output) == "" {
		return ErrNoOutput
	}
	switch c.Attribution {
	case "":
		c.Attribution = AttributionSyscalls
	case AttributionNone, AttributionMaps, AttributionSyscalls, AttributionBoth:
	default:
		return fmt.Errorf("%w: attribution %q", ErrInvalid, c.Attribution)
	}
	if c.Attribution.UsesMaps() && c.Maps == "" {
		c.Maps = DefaultMaps
	}
	if c.PrimaryImage != "" && !strings.HasPrefix(c.PrimaryImage, "/") {
		return fmt.Errorf("%w: primary_image must be an absolute path: %q", ErrInvalid, c.PrimaryImage)
	}
	return nil
}

// GuestArch returns the parsed architecture. Call after Validate.
func (c Config) GuestArch() arch.Arch {
	a, _ := arch.Parse(c.Arch)
	return a
}

// BackendKind returns the parsed classifier backend. Call after Validate.
func (c Config) BackendKind() classify.Backend {
	b, _ := classify.ParseBackend(c.Backend)
	return b
}
