package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coherentops/agentmem/engine"
	"github.com/coherentops/agentmem/syncer"
	"github.com/coherentops/agentmem/syncer/ws"
)

// fileConfig is the YAML shape of a memctl config file. Durations are
// strings ("10s", "1m") parsed by time.ParseDuration.
type fileConfig struct {
	AgentID string `yaml:"agent_id"`

	// Listen is the serve-mode bind address.
	Listen string `yaml:"listen"`

	// AdminURL is where client commands reach a running node.
	AdminURL string `yaml:"admin_url"`

	// Peers maps agent names to their sync endpoints (ws:// URLs).
	Peers map[string]string `yaml:"peers"`

	SyncPolicy string `yaml:"sync_policy"`

	Store struct {
		HistoryLimit    int   `yaml:"history_limit"`
		CacheEnabled    *bool `yaml:"cache_enabled"`
		CacheMaxEntries int64 `yaml:"cache_max_entries"`
	} `yaml:"store"`

	Index struct {
		Namespaces map[string]int `yaml:"namespaces"`
		MaxEntries int            `yaml:"max_entries"`
	} `yaml:"index"`

	Retention struct {
		Capacity        int     `yaml:"capacity"`
		PinnedThreshold float64 `yaml:"pinned_threshold"`
		Interval        string  `yaml:"interval"`
		BatchSize       int     `yaml:"batch_size"`
		HalfLife        string  `yaml:"half_life"`
		RecencyFloor    float64 `yaml:"recency_floor"`
	} `yaml:"retention"`

	Sync struct {
		MaxAttempts int    `yaml:"max_attempts"`
		BackoffBase string `yaml:"backoff_base"`
		BackoffMax  string `yaml:"backoff_max"`
		Timeout     string `yaml:"timeout"`
	} `yaml:"sync"`
}

func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// engineConfig maps the file config onto the engine's defaults, overriding
// only what the file sets.
func (fc *fileConfig) engineConfig() (*engine.Config, error) {
	cfg := engine.DefaultConfig()
	if fc.AgentID != "" {
		cfg.AgentID = fc.AgentID
	}

	if fc.Store.HistoryLimit != 0 {
		cfg.Store.HistoryLimit = fc.Store.HistoryLimit
	}
	if fc.Store.CacheEnabled != nil {
		cfg.Store.CacheEnabled = *fc.Store.CacheEnabled
	}
	if fc.Store.CacheMaxEntries != 0 {
		cfg.Store.CacheMaxEntries = fc.Store.CacheMaxEntries
	}

	if len(fc.Index.Namespaces) > 0 {
		cfg.Index.Namespaces = fc.Index.Namespaces
	}
	cfg.Index.MaxEntries = fc.Index.MaxEntries

	cfg.Retention.Capacity = fc.Retention.Capacity
	if fc.Retention.PinnedThreshold != 0 {
		cfg.Retention.PinnedThreshold = fc.Retention.PinnedThreshold
	}
	if fc.Retention.BatchSize != 0 {
		cfg.Retention.BatchSize = fc.Retention.BatchSize
	}
	if fc.Retention.RecencyFloor != 0 {
		cfg.Retention.RecencyFloor = fc.Retention.RecencyFloor
	}
	var err error
	if cfg.Retention.Interval, err = overrideDuration(fc.Retention.Interval, cfg.Retention.Interval); err != nil {
		return nil, fmt.Errorf("retention.interval: %w", err)
	}
	if cfg.Retention.HalfLife, err = overrideDuration(fc.Retention.HalfLife, cfg.Retention.HalfLife); err != nil {
		return nil, fmt.Errorf("retention.half_life: %w", err)
	}

	policy, err := syncer.ParsePolicy(fc.SyncPolicy)
	if err != nil {
		return nil, err
	}
	cfg.SyncPolicy = policy
	return cfg, nil
}

func (fc *fileConfig) syncConfig() (*syncer.Config, error) {
	cfg := syncer.DefaultConfig()
	if fc.Sync.MaxAttempts != 0 {
		cfg.MaxAttempts = fc.Sync.MaxAttempts
	}
	var err error
	if cfg.BackoffBase, err = overrideDuration(fc.Sync.BackoffBase, cfg.BackoffBase); err != nil {
		return nil, fmt.Errorf("sync.backoff_base: %w", err)
	}
	if cfg.BackoffMax, err = overrideDuration(fc.Sync.BackoffMax, cfg.BackoffMax); err != nil {
		return nil, fmt.Errorf("sync.backoff_max: %w", err)
	}
	if cfg.Timeout, err = overrideDuration(fc.Sync.Timeout, cfg.Timeout); err != nil {
		return nil, fmt.Errorf("sync.timeout: %w", err)
	}
	return cfg, nil
}

func (fc *fileConfig) wsConfig() (*ws.Config, error) {
	cfg := ws.DefaultConfig()
	var err error
	if cfg.Timeout, err = overrideDuration(fc.Sync.Timeout, cfg.Timeout); err != nil {
		return nil, fmt.Errorf("sync.timeout: %w", err)
	}
	return cfg, nil
}

func (fc *fileConfig) adminURL() string {
	if fc.AdminURL != "" {
		return fc.AdminURL
	}
	if fc.Listen != "" {
		return "http://localhost" + fc.Listen
	}
	return "http://localhost:7600"
}

func overrideDuration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.ParseDuration(raw)
}
