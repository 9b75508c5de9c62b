package dmremap

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/amigatomte/dm-remap-sub007/internal/allocator"
)

// Config configures one Engine attach. There is no package-level
// global configuration; every caller builds and owns its own Config.
type Config struct {
	MainPath  string `json:"main_path" yaml:"main_path"`
	SparePath string `json:"spare_path" yaml:"spare_path"`

	AllowSmallSpare bool `json:"allow_small_spare,omitempty" yaml:"allow_small_spare,omitempty"`

	ValidatorLevel string `json:"validator_level,omitempty" yaml:"validator_level,omitempty"`

	// MainSerial/SpareSerial/MainModel/SpareModel let the caller supply a
	// stable device identity when the underlying Device cannot report
	// one itself (e.g. device.File, device.Memory): fingerprint comparison
	// weights serial at only 10%, but path+size alone (50%) falls short
	// of even the Medium acceptance threshold, so a real deployment
	// wiring a device with a stable serial is what makes reattachment
	// recognize the same device across restarts.
	MainSerial  string `json:"main_serial,omitempty" yaml:"main_serial,omitempty"`
	SpareSerial string `json:"spare_serial,omitempty" yaml:"spare_serial,omitempty"`
	MainModel   string `json:"main_model,omitempty" yaml:"main_model,omitempty"`
	SpareModel  string `json:"spare_model,omitempty" yaml:"spare_model,omitempty"`

	FlushDebounceWrites  int `json:"flush_debounce_writes,omitempty" yaml:"flush_debounce_writes,omitempty"`
	FlushDebounceSeconds int `json:"flush_debounce_seconds,omitempty" yaml:"flush_debounce_seconds,omitempty"`

	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

// DefaultConfig returns the baseline configuration an Engine is built
// from before any file or CLI overrides are applied.
func DefaultConfig() Config {
	return Config{
		ValidatorLevel:       "standard",
		FlushDebounceWrites:  16,
		FlushDebounceSeconds: 5,
		LogLevel:             "info",
	}
}

// LoadConfigFile reads a commented-JSON (JSONC) config file at path,
// standardizes it with hujson, and merges it over DefaultConfig.
// Fields absent from the file keep their default value.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}

	var overlay Config
	if err := json.Unmarshal(standardized, &overlay); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return mergeConfig(cfg, overlay), nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.MainPath != "" {
		base.MainPath = overlay.MainPath
	}
	if overlay.SparePath != "" {
		base.SparePath = overlay.SparePath
	}
	if overlay.AllowSmallSpare {
		base.AllowSmallSpare = true
	}
	if overlay.ValidatorLevel != "" {
		base.ValidatorLevel = overlay.ValidatorLevel
	}
	if overlay.MainSerial != "" {
		base.MainSerial = overlay.MainSerial
	}
	if overlay.SpareSerial != "" {
		base.SpareSerial = overlay.SpareSerial
	}
	if overlay.MainModel != "" {
		base.MainModel = overlay.MainModel
	}
	if overlay.SpareModel != "" {
		base.SpareModel = overlay.SpareModel
	}
	if overlay.FlushDebounceWrites > 0 {
		base.FlushDebounceWrites = overlay.FlushDebounceWrites
	}
	if overlay.FlushDebounceSeconds > 0 {
		base.FlushDebounceSeconds = overlay.FlushDebounceSeconds
	}
	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}
	return base
}

// Validate checks that cfg is well-formed enough to attempt an Attach.
func (c Config) Validate() error {
	if c.MainPath == "" {
		return NewError("Validate", ErrCodeInvalidArgument, "main_path is required")
	}
	if c.SparePath == "" {
		return NewError("Validate", ErrCodeInvalidArgument, "spare_path is required")
	}
	switch c.ValidatorLevel {
	case "minimal", "standard", "strict", "paranoid", "":
	default:
		return NewError("Validate", ErrCodeInvalidArgument, "unknown validator_level: "+c.ValidatorLevel)
	}
	return nil
}

// ConfigDescription is the YAML-exportable shape surfaced by the
// administrative "describe" verb: a snapshot of how an attached Engine
// is currently configured, not its live remap state.
type ConfigDescription struct {
	MainPath              string `yaml:"main_path"`
	SparePath             string `yaml:"spare_path"`
	ValidatorLevel        string `yaml:"validator_level"`
	AllocatorStrategy     string `yaml:"allocator_strategy"`
	AllocatorTotalSectors uint64 `yaml:"allocator_total_sectors"`
	AllocatorReservedSet  []uint64 `yaml:"allocator_reserved_set"`
	FlushDebounceWrites   int    `yaml:"flush_debounce_writes"`
	FlushDebounceSeconds  int    `yaml:"flush_debounce_seconds"`
}

// DescribeYAML renders cfg plus the live allocator snapshot as YAML,
// the format backing the "describe" admin verb.
func DescribeYAML(cfg Config, alloc allocator.Config) (string, error) {
	desc := ConfigDescription{
		MainPath:              cfg.MainPath,
		SparePath:             cfg.SparePath,
		ValidatorLevel:        cfg.ValidatorLevel,
		AllocatorStrategy:     alloc.Strategy.String(),
		AllocatorTotalSectors: alloc.TotalSectors,
		AllocatorReservedSet:  alloc.ReservedSet,
		FlushDebounceWrites:   cfg.FlushDebounceWrites,
		FlushDebounceSeconds:  cfg.FlushDebounceSeconds,
	}

	out, err := yaml.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("marshal describe output: %w", err)
	}
	return string(out), nil
}
