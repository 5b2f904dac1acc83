// Package config loads codeq configuration from JSONC files and the
// environment.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// DefaultTimeoutMs is the per-request timeout when nothing is configured.
const DefaultTimeoutMs = 30_000

// Config is the resolved codeq configuration.
type Config struct {
	// Workspace is the project root handed to the language server.
	Workspace string `json:"workspace,omitempty"`
	// TimeoutMs is the per-request timeout in milliseconds.
	TimeoutMs int `json:"timeoutMs,omitempty"`
	// Debug enables protocol traffic logging.
	Debug bool `json:"debug,omitempty"`
	// Language selects which configured server to use.
	Language string `json:"language,omitempty"`
	// Server overrides server resolution with an explicit command.
	Server []string `json:"server,omitempty"`
	// Servers maps language ids to launch commands, overriding built-ins.
	Servers map[string][]string `json:"servers,omitempty"`
}

// Load resolves configuration in priority order: defaults, the global
// config (~/.config/codeq/), the workspace config, then CODEQ_* environment
// variables. Missing files are skipped.
func Load(workspace string) (*Config, error) {
	cfg := &Config{
		Workspace: workspace,
		TimeoutMs: DefaultTimeoutMs,
		Language:  "typescript",
		Servers:   make(map[string][]string),
	}

	if home, err := os.UserHomeDir(); err == nil {
		globalDir := filepath.Join(home, ".config", "codeq")
		loadFile(filepath.Join(globalDir, "codeq.json"), cfg)
		loadFile(filepath.Join(globalDir, "codeq.jsonc"), cfg)
	}

	if workspace != "" {
		loadFile(filepath.Join(workspace, "codeq.json"), cfg)
		loadFile(filepath.Join(workspace, "codeq.jsonc"), cfg)
	}

	applyEnv(cfg)

	if cfg.Workspace == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Workspace = wd
		}
	}
	return cfg, nil
}

// Timeout returns the configured per-request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	ms := c.TimeoutMs
	if ms <= 0 {
		ms = DefaultTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// loadFile merges one JSONC config file into cfg. Unreadable or malformed
// files are skipped.
func loadFile(path string, cfg *Config) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var file Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return
	}
	merge(cfg, &file)
}

func merge(dst, src *Config) {
	if src.Workspace != "" {
		dst.Workspace = src.Workspace
	}
	if src.TimeoutMs > 0 {
		dst.TimeoutMs = src.TimeoutMs
	}
	if src.Debug {
		dst.Debug = true
	}
	if src.Language != "" {
		dst.Language = src.Language
	}
	if len(src.Server) > 0 {
		dst.Server = src.Server
	}
	for id, command := range src.Servers {
		dst.Servers[id] = command
	}
}

// applyEnv applies CODEQ_* environment overrides, the highest priority
// source.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CODEQ_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("CODEQ_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.TimeoutMs = ms
		}
	}
	if v := os.Getenv("CODEQ_DEBUG"); v != "" {
		cfg.Debug = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CODEQ_LANGUAGE"); v != "" {
		cfg.Language = v
	}
	if v := os.Getenv("CODEQ_SERVER"); v != "" {
		cfg.Server = strings.Fields(v)
	}
}
