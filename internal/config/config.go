// Package config loads layered agentconsole settings: built-in defaults, the
// global file under ~/.config/agentconsole and a project .agentconsolerc.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ProjectFile is the project-level config file name.
const ProjectFile = ".agentconsolerc"

// Config holds all configurable agentconsole settings. Zero values mean
// "unset" and fall through to the next layer when merging.
type Config struct {
	HistoryDefaultLimit int    `json:"history_default_limit"`
	HistoryMaxLimit     int    `json:"history_max_limit"`
	ApprovalGraceMs     int64  `json:"approval_grace_ms"`
	SnapshotFormat      string `json:"snapshot_format"` // "json" | "cbor"
	ExportFormat        string `json:"export_format"`   // "markdown" | "json"
	OutputDir           string `json:"output_dir"`
	LogLevel            string `json:"log_level"`    // "debug" | "info" | "warn" | "error"
	ArchivePath         string `json:"archive_path"` // empty keeps the archive in memory
}

// Defaults returns sensible default configuration values.
func Defaults() Config {
	return Config{
		HistoryDefaultLimit: 200,
		HistoryMaxLimit:     1000,
		ApprovalGraceMs:     1500,
		SnapshotFormat:      "json",
		ExportFormat:        "markdown",
		OutputDir:           ".",
		LogLevel:            "info",
	}
}

// LoadGlobal reads ~/.config/agentconsole/config.json.
// Returns defaults if the file is absent.
func LoadGlobal() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(home, ".config", "agentconsole", "config.json")
	return loadFile(path, true)
}

// LoadProject reads .agentconsolerc in the current working directory.
// Returns nil (no error) if the file is absent.
func LoadProject() (*Config, error) {
	return loadFile(ProjectFile, false)
}

// Load reads both layers and merges them.
func Load() (Config, error) {
	global, err := LoadGlobal()
	if err != nil {
		return Config{}, err
	}
	project, err := LoadProject()
	if err != nil {
		return Config{}, err
	}
	cfg := Merge(global, project)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, returnDefaults bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if returnDefaults {
				d := Defaults()
				return &d, nil
			}
			return nil, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &cfg, nil
}

// Merge combines global and project configs, with project taking precedence.
// Missing keys fall back to global, then defaults.
func Merge(global, project *Config) Config {
	result := Defaults()
	for _, layer := range []*Config{global, project} {
		if layer == nil {
			continue
		}
		if layer.HistoryDefaultLimit > 0 {
			result.HistoryDefaultLimit = layer.HistoryDefaultLimit
		}
		if layer.HistoryMaxLimit > 0 {
			result.HistoryMaxLimit = layer.HistoryMaxLimit
		}
		if layer.ApprovalGraceMs > 0 {
			result.ApprovalGraceMs = layer.ApprovalGraceMs
		}
		if layer.SnapshotFormat != "" {
			result.SnapshotFormat = layer.SnapshotFormat
		}
		if layer.ExportFormat != "" {
			result.ExportFormat = layer.ExportFormat
		}
		if layer.OutputDir != "" {
			result.OutputDir = layer.OutputDir
		}
		if layer.LogLevel != "" {
			result.LogLevel = layer.LogLevel
		}
		if layer.ArchivePath != "" {
			result.ArchivePath = layer.ArchivePath
		}
	}
	return result
}

// Validate rejects values no component can honour.
func (c Config) Validate() error {
	switch c.SnapshotFormat {
	case "json", "cbor":
	default:
		return fmt.Errorf("snapshot_format: unsupported value %q (want json or cbor)", c.SnapshotFormat)
	}
	switch c.ExportFormat {
	case "markdown", "json":
	default:
		return fmt.Errorf("export_format: unsupported value %q (want markdown or json)", c.ExportFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unsupported value %q", c.LogLevel)
	}
	if c.HistoryDefaultLimit > c.HistoryMaxLimit {
		return fmt.Errorf("history_default_limit %d exceeds history_max_limit %d", c.HistoryDefaultLimit, c.HistoryMaxLimit)
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
