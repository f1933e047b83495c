// Package config resolves where jsonstate keeps its files and how the
// engine writes them.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/jsonstate/pkg/store"
)

// Error variables for configuration loading.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrDataDirEmpty       = errors.New("data_dir cannot be empty")
	ErrWriteModeInvalid   = errors.New("write_mode must be \"atomic\" or \"direct\"")
	ErrDebounceInvalid    = errors.New("debounce must be between 1ms and 1m")
)

// FileName is the project config file looked up in the working directory.
const FileName = ".jsonstate.json"

// EnvDataDir overrides data_dir from every config file.
const EnvDataDir = "JSONSTATE_DATA_DIR"

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	DataDir   string   `json:"data_dir"`
	Debounce  Duration `json:"debounce,omitempty"`
	WriteMode string   `json:"write_mode,omitempty"`
	Lock      *bool    `json:"lock,omitempty"`

	// Resolved (computed, not serialized)
	EffectiveCwd string `json:"-"`
	DataDirAbs   string `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
	Env     bool   // JSONSTATE_DATA_DIR was applied
}

// Duration is a [time.Duration] that reads "250ms" style strings or plain
// millisecond numbers from JSON.
type Duration time.Duration

// UnmarshalJSON implements [json.Unmarshaler].
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string

	err := json.Unmarshal(data, &s)
	if err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("debounce: %w", err)
		}

		*d = Duration(parsed)

		return nil
	}

	ms, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return fmt.Errorf("debounce: want duration string or milliseconds, got %s", data)
	}

	*d = Duration(time.Duration(ms) * time.Millisecond)

	return nil
}

// MarshalJSON implements [json.Marshaler].
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// DefaultConfig returns the default configuration. DataDir is filled in by
// [Load] from the environment.
func DefaultConfig() Config {
	return Config{
		Debounce:  Duration(store.DefaultInterval),
		WriteMode: string(store.WriteAtomic),
	}
}

// LockEnabled reports whether stores take a cross-process file lock.
func (c Config) LockEnabled() bool {
	return c.Lock != nil && *c.Lock
}

// WriterConfig returns the writer settings this config selects.
func (c Config) WriterConfig() store.WriterConfig {
	cfg := store.DefaultWriterConfig()
	cfg.Interval = time.Duration(c.Debounce)
	cfg.Mode = store.WriteMode(c.WriteMode)

	return cfg
}

// defaultDataDir returns $XDG_DATA_HOME/jsonstate or
// ~/.local/share/jsonstate, or "" if neither can be determined.
func defaultDataDir(env map[string]string) string {
	if xdg := env["XDG_DATA_HOME"]; xdg != "" {
		return filepath.Join(xdg, "jsonstate")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".local", "share", "jsonstate")
	}

	return ""
}

// globalConfigPath returns $XDG_CONFIG_HOME/jsonstate/config.json or
// ~/.config/jsonstate/config.json, or "" if neither can be determined.
func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "jsonstate", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "jsonstate", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	DataDirOverride string            // --data-dir flag value; empty means no override
	Env             map[string]string // environment variables
}

// Load loads configuration with the following precedence (highest wins):
//  1. Defaults
//  2. Global user config ($XDG_CONFIG_HOME/jsonstate/config.json)
//  3. Project config file (.jsonstate.json in the working directory), or
//     the explicit config file when ConfigPath is set
//  4. JSONSTATE_DATA_DIR
//  5. CLI overrides
//
// Config files are JSONC: comments and trailing commas are allowed. The
// data directory in the result is absolute.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := DefaultConfig()
	cfg.DataDir = defaultDataDir(input.Env)

	if path := globalConfigPath(input.Env); path != "" {
		global, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = path
			cfg = merge(cfg, global)
		}
	}

	projectPath, mustExist := filepath.Join(workDir, FileName), false
	if input.ConfigPath != "" {
		projectPath, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}
	}

	project, loaded, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = projectPath
		cfg = merge(cfg, project)
	}

	if dir := input.Env[EnvDataDir]; dir != "" {
		cfg.DataDir = dir
		cfg.Sources.Env = true
	}

	if input.DataDirOverride != "" {
		cfg.DataDir = input.DataDirOverride
	}

	err = validate(cfg)
	if err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	if filepath.IsAbs(cfg.DataDir) {
		cfg.DataDirAbs = filepath.Clean(cfg.DataDir)
	} else {
		cfg.DataDirAbs = filepath.Join(workDir, cfg.DataDir)
	}

	return cfg, nil
}

// loadFile reads one config file. Missing optional files report loaded=false.
func loadFile(path string, mustExist bool) (fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !mustExist {
			return fileConfig{}, false, nil
		}

		if os.IsNotExist(err) {
			return fileConfig{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}

		return fileConfig{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
	}

	cfg, err := parse(data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

// fileConfig is one parsed config file. Pointer fields distinguish unset
// from explicitly empty.
type fileConfig struct {
	DataDir   *string   `json:"data_dir"`
	Debounce  *Duration `json:"debounce"`
	WriteMode *string   `json:"write_mode"`
	Lock      *bool     `json:"lock"`
}

func parse(data []byte) (fileConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg fileConfig

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	if cfg.DataDir != nil && *cfg.DataDir == "" {
		return fileConfig{}, ErrDataDirEmpty
	}

	return cfg, nil
}

func merge(base Config, overlay fileConfig) Config {
	if overlay.DataDir != nil {
		base.DataDir = *overlay.DataDir
	}

	if overlay.Debounce != nil {
		base.Debounce = *overlay.Debounce
	}

	if overlay.WriteMode != nil {
		base.WriteMode = *overlay.WriteMode
	}

	if overlay.Lock != nil {
		lock := *overlay.Lock
		base.Lock = &lock
	}

	return base
}

func validate(cfg Config) error {
	if cfg.DataDir == "" {
		return ErrDataDirEmpty
	}

	switch store.WriteMode(cfg.WriteMode) {
	case store.WriteAtomic, store.WriteDirect:
	default:
		return fmt.Errorf("%w: got %q", ErrWriteModeInvalid, cfg.WriteMode)
	}

	d := time.Duration(cfg.Debounce)
	if d < time.Millisecond || d > time.Minute {
		return fmt.Errorf("%w: got %s", ErrDebounceInvalid, d)
	}

	return nil
}
