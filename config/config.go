// Package config loads the tunables for the FSFS commit core.
package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Defaults matching the skip-delta policy described in §4.3.
const (
	DefaultMaxLinearDeltification = 16
	DefaultMaxDeltificationWalk   = 1024
	DefaultMaxFilesPerDir         = 1000
	DefaultSvndiffVersion         = 1
)

// Config holds the per-repository settings the commit core consults.
type Config struct {
	// MaxLinearDeltification is the window (in predecessor count) near
	// HEAD within which a pure linear delta chain is preferred over a
	// skip-delta jump, for cheap small incremental storage.
	MaxLinearDeltification int `yaml:"max_linear_deltification"`

	// MaxDeltificationWalk caps how far back a delta base may be chosen;
	// beyond this the rep starts fresh (self-delta).
	MaxDeltificationWalk int `yaml:"max_deltification_walk"`

	// MaxFilesPerDir shards revs/ and revprops/ into revs/<N/max>/ once
	// set to a positive value. Zero disables sharding.
	MaxFilesPerDir int `yaml:"max_files_per_dir"`

	// RepSharingEnabled toggles the rep-cache lookup in §4.4.
	RepSharingEnabled bool `yaml:"rep_sharing_enabled"`

	// SvndiffVersion selects the wire format written for new reps: 0 or 1.
	SvndiffVersion int `yaml:"svndiff_version"`

	// CompressionLevel is read from the config file (0 .. 9) but is not
	// consulted anywhere: the svndiff encoder takes no compression
	// level and writes its windows uncompressed.
	CompressionLevel int `yaml:"compression_level"`

	// LegacyFormat selects the pre-1.5 current/id layout (§4.7
	// step 14, §9 "Legacy vs modern").
	LegacyFormat bool `yaml:"legacy_format"`
}

func defaults() *Config {
	return &Config{
		MaxLinearDeltification: DefaultMaxLinearDeltification,
		MaxDeltificationWalk:   DefaultMaxDeltificationWalk,
		MaxFilesPerDir:         DefaultMaxFilesPerDir,
		RepSharingEnabled:      true,
		SvndiffVersion:         DefaultSvndiffVersion,
	}
}

// Unmarshal parses config bytes, filling in defaults for anything unset.
func Unmarshal(data []byte) (*Config, error) {
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err.Error())
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads and parses a YAML config file from disk.
func LoadConfigFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := Unmarshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxLinearDeltification <= 0 {
		return fmt.Errorf("max_linear_deltification must be positive")
	}
	if c.MaxDeltificationWalk <= 0 {
		return fmt.Errorf("max_deltification_walk must be positive")
	}
	if c.MaxFilesPerDir < 0 {
		return fmt.Errorf("max_files_per_dir must not be negative")
	}
	if c.SvndiffVersion != 0 && c.SvndiffVersion != 1 {
		return fmt.Errorf("svndiff_version must be 0 or 1, got %d", c.SvndiffVersion)
	}
	return nil
}

// MaxChainLength is the hard cap on delta-chain length that §4.3 and
// §8 describe: 2*max_linear_deltification + 2.
func (c *Config) MaxChainLength() int {
	return 2*c.MaxLinearDeltification + 2
}

// Default returns a Config populated entirely with defaults.
func Default() *Config {
	return defaults()
}
