// Package config handles convmem configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/convmem/config.yaml, /etc/convmem/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "convmem", "config.yaml"))
	}

	paths = append(paths, "/etc/convmem/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all convmem configuration.
type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Memory      MemoryConfig      `yaml:"memory"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// MemoryConfig tunes conversation recording, tiering and retention.
type MemoryConfig struct {
	// PersistAfterTurns flushes the active session every N turns.
	PersistAfterTurns int `yaml:"persist_after_turns"`
	// ReinforceEveryTurns is the reinforcement cadence K.
	ReinforceEveryTurns int `yaml:"reinforce_every_turns"`
	// DecisionTools are glob patterns for decision-bearing tool names.
	// A matching turn triggers reinforcement immediately.
	DecisionTools []string `yaml:"decision_tools"`
	// TokenBudget is the largest response (in estimated tokens) passed
	// through untouched. Larger responses are tiered.
	TokenBudget int `yaml:"token_budget"`
	// Tokenizer selects the token estimator: "heuristic" or "tiktoken".
	Tokenizer string `yaml:"tokenizer"`
	// TiktokenEncoding names the BPE encoding when Tokenizer is "tiktoken".
	TiktokenEncoding string `yaml:"tiktoken_encoding"`

	ContentTTLHours       int `yaml:"content_ttl_hours"`
	SessionMaxAgeHours    int `yaml:"session_max_age_hours"`
	ArchivedRetentionDays int `yaml:"archived_retention_days"`
	MaxTurnsPerSession    int `yaml:"max_turns_per_session"`

	HistoryLimitDefault int `yaml:"history_limit_default"`
	HistoryLimitMax     int `yaml:"history_limit_max"`
	SnapshotTurns       int `yaml:"snapshot_turns"`
	SummaryChars        int `yaml:"summary_chars"`
	FlushQueueSize      int `yaml:"flush_queue_size"`
}

// ContentTTL returns the expandable content lifetime.
func (m MemoryConfig) ContentTTL() time.Duration {
	return time.Duration(m.ContentTTLHours) * time.Hour
}

// SessionMaxAge returns the idle age after which a session is archived.
func (m MemoryConfig) SessionMaxAge() time.Duration {
	return time.Duration(m.SessionMaxAgeHours) * time.Hour
}

// ArchivedRetention returns how long archived sessions are kept.
func (m MemoryConfig) ArchivedRetention() time.Duration {
	return time.Duration(m.ArchivedRetentionDays) * 24 * time.Hour
}

// MaintenanceConfig holds cron specs for the background sweeps. Any
// spec accepted by robfig/cron is valid, including descriptors such as
// "@hourly" and "@every 15m". An empty spec disables that sweep.
type MaintenanceConfig struct {
	ArchiveSchedule      string `yaml:"archive_schedule"`
	RetentionSchedule    string `yaml:"retention_schedule"`
	ContentSweepSchedule string `yaml:"content_sweep_schedule"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen:    ListenConfig{Port: 8484},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
		Memory: MemoryConfig{
			DecisionTools: []string{"record_decision", "*_decision", "create_adr*"},
		},
		Maintenance: MaintenanceConfig{
			ArchiveSchedule:      "@hourly",
			RetentionSchedule:    "@daily",
			ContentSweepSchedule: "@every 15m",
		},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values left by a partial YAML document.
func (c *Config) applyDefaults() {
	m := &c.Memory
	setDefault(&m.PersistAfterTurns, 5)
	setDefault(&m.ReinforceEveryTurns, 5)
	setDefault(&m.TokenBudget, 500)
	setDefault(&m.ContentTTLHours, 24)
	setDefault(&m.SessionMaxAgeHours, 24)
	setDefault(&m.ArchivedRetentionDays, 30)
	setDefault(&m.MaxTurnsPerSession, 500)
	setDefault(&m.HistoryLimitDefault, 10)
	setDefault(&m.HistoryLimitMax, 50)
	setDefault(&m.SnapshotTurns, 5)
	setDefault(&m.SummaryChars, 240)
	setDefault(&m.FlushQueueSize, 64)
	if m.Tokenizer == "" {
		m.Tokenizer = "heuristic"
	}
	if m.TiktokenEncoding == "" {
		m.TiktokenEncoding = "cl100k_base"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	switch c.Memory.Tokenizer {
	case "heuristic", "tiktoken":
	default:
		errs = append(errs, fmt.Errorf("memory.tokenizer %q (valid: heuristic, tiktoken)", c.Memory.Tokenizer))
	}
	if c.Memory.HistoryLimitDefault > c.Memory.HistoryLimitMax {
		errs = append(errs, fmt.Errorf("memory.history_limit_default %d exceeds history_limit_max %d",
			c.Memory.HistoryLimitDefault, c.Memory.HistoryLimitMax))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
