// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/alpaca-core/internal/logging"
	"github.com/jeranaias/alpaca-core/internal/util"
)

// AppName is the subdirectory used under every XDG base directory.
const AppName = "alpaca"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete application configuration.
type Config struct {
	Paths      PathsConfig      `toml:"paths"`
	Log        LogConfig        `toml:"log"`
	HTTP       HTTPConfig       `toml:"http"`
	Generation GenerationConfig `toml:"generation"`
	Features   FeaturesConfig   `toml:"features"`
	Ask        AskConfig        `toml:"ask"`
}

// PathsConfig overrides the XDG directories.
type PathsConfig struct {
	DataDir  string `toml:"data_dir"`
	CacheDir string `toml:"cache_dir"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// File also writes entries to <data_dir>/logs/alpaca.log.
	File bool `toml:"file"`
}

// HTTPConfig controls provider requests.
type HTTPConfig struct {
	RequestTimeoutSecs    int    `toml:"request_timeout_secs"`
	StreamIdleTimeoutSecs int    `toml:"stream_idle_timeout_secs"`
	UserAgent             string `toml:"user_agent"`
}

// GenerationConfig controls chat generation side effects.
type GenerationConfig struct {
	Titles bool `toml:"titles"`
	Toasts bool `toml:"toasts"`
}

// FeaturesConfig switches optional subsystems.
type FeaturesConfig struct {
	// OllamaOnly hides every non-Ollama instance type.
	OllamaOnly   bool `toml:"ollama_only"`
	ToolsEnabled bool `toml:"tools_enabled"`
}

// AskConfig controls the quick-ask front-end.
type AskConfig struct {
	RenderMarkdown bool `toml:"render_markdown"`
	// Style is a glamour style: auto, dark, light or notty.
	Style string `toml:"style"`
}

// RequestTimeout returns the non-streaming request bound.
func (c HTTPConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// StreamIdleTimeout returns how long a stream may stay silent.
func (c HTTPConfig) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutSecs) * time.Second
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "warn",
			Format: "console",
		},
		HTTP: HTTPConfig{
			RequestTimeoutSecs:    60,
			StreamIdleTimeoutSecs: 300,
			UserAgent:             "Alpaca",
		},
		Generation: GenerationConfig{
			Titles: true,
			Toasts: true,
		},
		Features: FeaturesConfig{
			ToolsEnabled: true,
		},
		Ask: AskConfig{
			RenderMarkdown: true,
			Style:          "auto",
		},
	}
}

// =============================================================================
// DIRECTORIES
// =============================================================================

// Dirs are the resolved application directories.
type Dirs struct {
	Data   string
	Config string
	Cache  string
}

// xdgDir returns $env, or home/fallback when unset or relative.
func xdgDir(env, fallback string) (string, error) {
	if dir := os.Getenv(env); dir != "" && filepath.IsAbs(dir) {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, fallback), nil
}

// ConfigDir returns the configuration directory.
func ConfigDir() (string, error) {
	dir, err := xdgDir("XDG_CONFIG_HOME", ".config")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, AppName), nil
}

// ConfigPath returns the path of config.toml.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Dirs resolves the data, config and cache directories, honouring the
// [paths] overrides.
func (c *Config) Dirs() (Dirs, error) {
	var d Dirs
	var err error
	if d.Config, err = ConfigDir(); err != nil {
		return d, err
	}
	if d.Data = c.Paths.DataDir; d.Data == "" {
		base, err := xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
		if err != nil {
			return d, err
		}
		d.Data = filepath.Join(base, AppName)
	}
	if d.Cache = c.Paths.CacheDir; d.Cache == "" {
		base, err := xdgDir("XDG_CACHE_HOME", ".cache")
		if err != nil {
			return d, err
		}
		d.Cache = filepath.Join(base, AppName)
	}
	return d, nil
}

// LogFile returns the log file path, or "" when file logging is off.
func (c *Config) LogFile(d Dirs) string {
	if !c.Log.File {
		return ""
	}
	return filepath.Join(d.Data, "logs", "alpaca.log")
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads config.toml from the config directory. A missing file yields
// the defaults. Environment overrides are applied last.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath reads a TOML file over the defaults, then applies the
// environment and validates.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to the default path.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg atomically with a header comment.
func SaveTOML(cfg *Config, path string) error {
	err := util.AtomicWrite(path, 0o600, func(w io.Writer) error {
		fmt.Fprintln(w, "# Alpaca configuration file")
		fmt.Fprintln(w, "# Environment variables ALPACA_* override these values.")
		fmt.Fprintln(w)
		return toml.NewEncoder(w).Encode(cfg)
	})
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, ValidationError{"log.level", err.Error()})
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, ValidationError{"log.format", fmt.Sprintf("must be console or json, got %q", c.Log.Format)})
	}
	if c.HTTP.RequestTimeoutSecs < 0 {
		errs = append(errs, ValidationError{"http.request_timeout_secs", "must not be negative"})
	}
	if c.HTTP.StreamIdleTimeoutSecs < 0 {
		errs = append(errs, ValidationError{"http.stream_idle_timeout_secs", "must not be negative"})
	}
	switch c.Ask.Style {
	case "auto", "dark", "light", "notty":
	default:
		errs = append(errs, ValidationError{"ask.style", fmt.Sprintf("must be auto, dark, light or notty, got %q", c.Ask.Style)})
	}
	for field, dir := range map[string]string{"paths.data_dir": c.Paths.DataDir, "paths.cache_dir": c.Paths.CacheDir} {
		if dir != "" && !filepath.IsAbs(dir) {
			errs = append(errs, ValidationError{field, "must be an absolute path"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - ALPACA_OLLAMA_ONLY: "1" or "true" hides non-Ollama instance types
//   - ALPACA_LOG_LEVEL: overrides log.level
//   - ALPACA_DATA_DIR: overrides paths.data_dir
//   - ALPACA_TOOLS: "0" or "false" disables the tool runtime
func (c *Config) ApplyEnvOverrides() {
	if v, ok := envBool("ALPACA_OLLAMA_ONLY"); ok {
		c.Features.OllamaOnly = v
	}
	if level := os.Getenv("ALPACA_LOG_LEVEL"); level != "" {
		c.Log.Level = strings.ToLower(level)
	}
	if dir := os.Getenv("ALPACA_DATA_DIR"); dir != "" {
		c.Paths.DataDir = dir
	}
	if v, ok := envBool("ALPACA_TOOLS"); ok {
		c.Features.ToolsEnabled = v
	}
}

func envBool(name string) (value, ok bool) {
	s := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	if s == "" {
		return false, false
	}
	return s == "1" || s == "true" || s == "yes", true
}
