// Package config loads codexd settings from layered YAML files and the
// environment.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fakeyudi/codexd/internal/analyzer"
	"github.com/fakeyudi/codexd/internal/collector"
)

// EnvPrefix marks environment variables read as configuration.
// CODEXD_AGENT_COMMAND maps to agent.command.
const EnvPrefix = "CODEXD_"

// ProjectFile is the per-repository config file name.
const ProjectFile = ".codexd.yaml"

const maxConfigFileSize = 1024 * 1024

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all configurable codexd settings.
type Config struct {
	Window   collector.Window `koanf:"window"`
	Analysis analyzer.Config  `koanf:"analysis"`
	Agent    AgentConfig      `koanf:"agent"`
	Storage  StorageConfig    `koanf:"storage"`
	Log      LogConfig        `koanf:"log"`
	Export   ExportConfig     `koanf:"export"`
}

// AgentConfig describes how to launch and bound the external agent.
type AgentConfig struct {
	Command    string        `koanf:"command"`
	Args       []string      `koanf:"args"`
	Timeout    time.Duration `koanf:"timeout"`
	ToolBudget int           `koanf:"tool_budget"`
}

type StorageConfig struct {
	Path string `koanf:"path"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug | info | warn | error
	Format string `koanf:"format"` // console | json
}

type ExportConfig struct {
	Format string `koanf:"format"` // markdown | json
}

// Paths names the files Load reads. Empty entries are skipped.
type Paths struct {
	Global  string
	Project string
}

// DefaultPaths returns $XDG_CONFIG_HOME/codexd/config.yaml (falling back to
// ~/.config) and .codexd.yaml in the working directory.
func DefaultPaths() (Paths, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return Paths{
		Global:  filepath.Join(dir, "codexd", "config.yaml"),
		Project: ProjectFile,
	}, nil
}

// DefaultStoragePath returns $XDG_DATA_HOME/codexd/codexd.db, falling back
// to ~/.local/share.
func DefaultStoragePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "codexd.db"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "codexd", "codexd.db")
}

// Load builds the effective configuration.
//
// Precedence (highest to lowest):
//  1. CODEXD_ environment variables
//  2. the project file
//  3. the global file
//  4. built-in defaults
//
// Missing files are not an error. A file that exists but does not parse
// yields a *ParseError.
func Load(paths Paths) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	for _, path := range []string{paths.Global, paths.Project} {
		if path == "" {
			continue
		}
		if err := loadFile(k, path); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func loadFile(k *koanf.Koanf, path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file %s too large: %d bytes (max %d)", path, info.Size(), maxConfigFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return &ParseError{Path: path, Err: err}
	}
	return nil
}

// envKey maps CODEXD_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// applyDefaults fills values that have no static default.
func applyDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath()
	}
	if cfg.Window.MaxCount == 0 && cfg.Window.MaxAgeDays == 0 {
		cfg.Window = collector.DefaultWindow()
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if c.Window.MaxCount < 0 || c.Window.MaxAgeDays < 0 {
		return errors.New("window bounds must not be negative")
	}
	if h := c.Analysis.NightStartHour; h < 0 || h > 23 {
		return fmt.Errorf("invalid analysis.night_start_hour: %d (must be 0-23)", h)
	}
	if h := c.Analysis.NightEndHour; h < 0 || h > 23 {
		return fmt.Errorf("invalid analysis.night_end_hour: %d (must be 0-23)", h)
	}
	if c.Agent.Timeout <= 0 {
		return errors.New("agent.timeout must be positive")
	}
	if c.Agent.ToolBudget < 1 {
		return fmt.Errorf("invalid agent.tool_budget: %d (must be at least 1)", c.Agent.ToolBudget)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}
	switch c.Export.Format {
	case "markdown", "json":
	default:
		return fmt.Errorf("invalid export.format: %q", c.Export.Format)
	}
	return nil
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
