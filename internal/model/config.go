// Package model defines taskvault's configuration, records, status graphs and error taxonomy.
package model

import (
	"fmt"
	"os"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Polling       PollingConfig       `yaml:"polling"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Planning      PlanningConfig      `yaml:"planning"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Retry         RetryConfig         `yaml:"retry"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Notify        NotifyConfig        `yaml:"notify"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
	Audit         AuditConfig         `yaml:"audit"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Daemon        DaemonConfig        `yaml:"daemon"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type StoreConfig struct {
	Backend    string `yaml:"backend"` // fs | sqlite
	SQLitePath string `yaml:"sqlite_path"`
}

type PollingConfig struct {
	IntervalSec int `yaml:"interval_sec"`
}

type ApprovalConfig struct {
	TimeoutSec         int      `yaml:"timeout_sec"`
	EscalateSec        int      `yaml:"escalate_sec"`
	Channels           []string `yaml:"channels"`
	EscalationChannels []string `yaml:"escalation_channels"`
	SensitiveKeywords  []string `yaml:"sensitive_keywords"`
	AmountThreshold    float64  `yaml:"amount_threshold"`
}

type PlanningConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

type SchedulerConfig struct {
	TickSec    int `yaml:"tick_sec"`
	MaxRetries int `yaml:"max_retries"`
}

type RetryConfig struct {
	BackoffBaseSec int `yaml:"backoff_base_sec"`
	BackoffCapSec  int `yaml:"backoff_cap_sec"`
}

type ScoringConfig struct {
	MaxContentBytes int `yaml:"max_content_bytes"`
}

type NotifyConfig struct {
	Desktop  bool           `yaml:"desktop"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type WebhookConfig struct {
	URL        string `yaml:"url"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type TelegramConfig struct {
	TokenEnv string `yaml:"token_env"`
	ChatID   int64  `yaml:"chat_id"`
}

type CollaboratorsConfig struct {
	Planner  CommandConfig `yaml:"planner"`
	Executor CommandConfig `yaml:"executor"`
}

type CommandConfig struct {
	Command    []string `yaml:"command"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

type AuditConfig struct {
	MaxSizeBytes int64 `yaml:"max_size_bytes"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration written by `taskvault init`.
func DefaultConfig() Config {
	return Config{
		Store:   StoreConfig{Backend: "fs", SQLitePath: "store.db"},
		Polling: PollingConfig{IntervalSec: 10},
		Approval: ApprovalConfig{
			TimeoutSec:         86400,
			EscalateSec:        43200,
			Channels:           []string{"log"},
			EscalationChannels: []string{"log"},
			SensitiveKeywords:  []string{"payment", "pay", "delete", "reset", "transfer"},
			AmountThreshold:    100,
		},
		Planning:  PlanningConfig{MaxRetries: 3},
		Scheduler: SchedulerConfig{TickSec: 60, MaxRetries: 3},
		Retry:     RetryConfig{BackoffBaseSec: 30, BackoffCapSec: 3600},
		Scoring:   ScoringConfig{MaxContentBytes: 64 * 1024},
		Notify: NotifyConfig{
			Webhook:  WebhookConfig{TimeoutSec: 10},
			Telegram: TelegramConfig{TokenEnv: "TASKVAULT_TELEGRAM_TOKEN"},
		},
		Collaborators: CollaboratorsConfig{
			Planner:  CommandConfig{TimeoutSec: 120},
			Executor: CommandConfig{TimeoutSec: 300},
		},
		Audit:   AuditConfig{MaxSizeBytes: 100 * 1024 * 1024},
		Daemon:  DaemonConfig{ShutdownTimeoutSec: 30},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads path and fills zero values from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults replaces zero values with their defaults.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = d.Store.SQLitePath
	}
	if c.Polling.IntervalSec == 0 {
		c.Polling.IntervalSec = d.Polling.IntervalSec
	}
	if c.Approval.TimeoutSec == 0 {
		c.Approval.TimeoutSec = d.Approval.TimeoutSec
	}
	if c.Approval.EscalateSec == 0 {
		c.Approval.EscalateSec = d.Approval.EscalateSec
	}
	if len(c.Approval.Channels) == 0 {
		c.Approval.Channels = d.Approval.Channels
	}
	if len(c.Approval.EscalationChannels) == 0 {
		c.Approval.EscalationChannels = d.Approval.EscalationChannels
	}
	if c.Approval.SensitiveKeywords == nil {
		c.Approval.SensitiveKeywords = d.Approval.SensitiveKeywords
	}
	if c.Approval.AmountThreshold == 0 {
		c.Approval.AmountThreshold = d.Approval.AmountThreshold
	}
	if c.Planning.MaxRetries == 0 {
		c.Planning.MaxRetries = d.Planning.MaxRetries
	}
	if c.Scheduler.TickSec == 0 {
		c.Scheduler.TickSec = d.Scheduler.TickSec
	}
	if c.Scheduler.MaxRetries == 0 {
		c.Scheduler.MaxRetries = d.Scheduler.MaxRetries
	}
	if c.Retry.BackoffBaseSec == 0 {
		c.Retry.BackoffBaseSec = d.Retry.BackoffBaseSec
	}
	if c.Retry.BackoffCapSec == 0 {
		c.Retry.BackoffCapSec = d.Retry.BackoffCapSec
	}
	if c.Scoring.MaxContentBytes == 0 {
		c.Scoring.MaxContentBytes = d.Scoring.MaxContentBytes
	}
	if c.Notify.Webhook.TimeoutSec == 0 {
		c.Notify.Webhook.TimeoutSec = d.Notify.Webhook.TimeoutSec
	}
	if c.Notify.Telegram.TokenEnv == "" {
		c.Notify.Telegram.TokenEnv = d.Notify.Telegram.TokenEnv
	}
	if c.Collaborators.Planner.TimeoutSec == 0 {
		c.Collaborators.Planner.TimeoutSec = d.Collaborators.Planner.TimeoutSec
	}
	if c.Collaborators.Executor.TimeoutSec == 0 {
		c.Collaborators.Executor.TimeoutSec = d.Collaborators.Executor.TimeoutSec
	}
	if c.Audit.MaxSizeBytes == 0 {
		c.Audit.MaxSizeBytes = d.Audit.MaxSizeBytes
	}
	if c.Daemon.ShutdownTimeoutSec == 0 {
		c.Daemon.ShutdownTimeoutSec = d.Daemon.ShutdownTimeoutSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

func (c Config) Validate() error {
	if c.Store.Backend != "fs" && c.Store.Backend != "sqlite" {
		return fmt.Errorf("store.backend must be fs or sqlite, got %q", c.Store.Backend)
	}
	positive := map[string]int{
		"polling.interval_sec":      c.Polling.IntervalSec,
		"approval.timeout_sec":      c.Approval.TimeoutSec,
		"approval.escalate_sec":     c.Approval.EscalateSec,
		"scheduler.tick_sec":        c.Scheduler.TickSec,
		"retry.backoff_base_sec":    c.Retry.BackoffBaseSec,
		"retry.backoff_cap_sec":     c.Retry.BackoffCapSec,
		"scoring.max_content_bytes": c.Scoring.MaxContentBytes,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0, got %d", name, v)
		}
	}
	if c.Planning.MaxRetries < 0 {
		return fmt.Errorf("planning.max_retries must be >= 0, got %d", c.Planning.MaxRetries)
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0, got %d", c.Scheduler.MaxRetries)
	}
	if c.Approval.EscalateSec >= c.Approval.TimeoutSec {
		return fmt.Errorf("approval.escalate_sec (%d) must be less than approval.timeout_sec (%d)",
			c.Approval.EscalateSec, c.Approval.TimeoutSec)
	}
	if c.Retry.BackoffCapSec < c.Retry.BackoffBaseSec {
		return fmt.Errorf("retry.backoff_cap_sec (%d) must be >= retry.backoff_base_sec (%d)",
			c.Retry.BackoffCapSec, c.Retry.BackoffBaseSec)
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (c PollingConfig) Interval() time.Duration        { return seconds(c.IntervalSec) }
func (c ApprovalConfig) Timeout() time.Duration       { return seconds(c.TimeoutSec) }
func (c ApprovalConfig) Escalate() time.Duration      { return seconds(c.EscalateSec) }
func (c SchedulerConfig) Tick() time.Duration         { return seconds(c.TickSec) }
func (c RetryConfig) Base() time.Duration             { return seconds(c.BackoffBaseSec) }
func (c RetryConfig) Cap() time.Duration              { return seconds(c.BackoffCapSec) }
func (c CommandConfig) Timeout() time.Duration        { return seconds(c.TimeoutSec) }
func (c WebhookConfig) Timeout() time.Duration        { return seconds(c.TimeoutSec) }
func (c DaemonConfig) ShutdownTimeout() time.Duration { return seconds(c.ShutdownTimeoutSec) }
