// Package config loads the orchestrator's environment-style configuration
// from YAML, the way cellorg/internal/config.Load reads its cell/pool
// files: a single struct decoded with yaml.v3, with defaults applied
// afterward rather than inline in the struct tags.
package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config holds every orchestrator tunable, plus the plugin verification
// additions that make the signature rules configurable
// (PluginPubKeyB64, PluginDigestTablePath).
type Config struct {
	// AgentErrThreshold gates the restart/unresponsive check; reaching it
	// triggers a backoff-then-restart, not a quarantine.
	AgentErrThreshold    int `yaml:"agent_err_threshold"`
	AgentBackoffExpAfter int `yaml:"agent_backoff_exp_after"`
	// AgentQuarantineAfter gates the separate consecutive-error quarantine
	// check; it is deliberately its own knob rather than derived from
	// AgentErrThreshold, so an agent can be restarted several times before
	// it is swapped for a stub.
	AgentQuarantineAfter int     `yaml:"agent_quarantine_after"`
	PromotionThreshold   float64 `yaml:"promotion_threshold"`
	HeartbeatIntSeconds  float64 `yaml:"heartbeat_int_seconds"`
	RescanSeconds        int     `yaml:"rescan_seconds"`
	LedgerPath           string  `yaml:"ledger_path"`
	BrokerURL            string  `yaml:"broker_url"`
	AllowInsecure        bool    `yaml:"allow_insecure"`
	MaxExperiments       int     `yaml:"max_experiments"`

	PluginPubKeyB64        string `yaml:"plugin_pubkey_b64"`
	PluginDigestTablePath  string `yaml:"plugin_digest_table_path"`
	PluginHotDir           string `yaml:"plugin_hot_dir"`
	MerkleRootCron         string `yaml:"merkle_root_cron"`
	ArchiveRootCron        string `yaml:"archive_root_cron"`
	ArchivePath            string `yaml:"archive_path"`
	PatchAllowGlobs        []string `yaml:"patch_allow_globs"`
	PreflightTimeoutSeconds int    `yaml:"preflight_timeout_seconds"`
}

// defaults mirrors the orchestrator's documented default values exactly.
func defaults() Config {
	return Config{
		AgentErrThreshold:       3,
		AgentBackoffExpAfter:    3,
		AgentQuarantineAfter:    3,
		PromotionThreshold:      0,
		RescanSeconds:           60,
		AllowInsecure:           false,
		MaxExperiments:          10,
		MerkleRootCron:          "@every 5m",
		ArchiveRootCron:         "@daily",
		PreflightTimeoutSeconds: 120,
	}
}

// Load reads filename as YAML and merges it over Defaults, mirroring
// cellorg/internal/config.Load's read-then-default-fill shape but using
// mergo for the merge instead of a chain of `if field == zero` checks.
// mergo.WithOverride also skips zero-valued fields of the loaded file, so
// a field set to its zero value in YAML (0, false, "") keeps its default:
// a configured zero is indistinguishable from "unset".
func Load(filename string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", filename, err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filename, err)
	}

	if err := mergo.Merge(&cfg, loaded, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge config %s: %w", filename, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the orchestrator's configuration invariants:
// thresholds are non-negative, a promotion fraction stays within [0,1],
// and a ledger path is always supplied (append crash-safety depends on
// knowing where to write).
func (c *Config) Validate() error {
	if c.LedgerPath == "" {
		return fmt.Errorf("ledger_path is required")
	}
	if c.AgentErrThreshold < 0 {
		return fmt.Errorf("agent_err_threshold must be non-negative")
	}
	if c.AgentQuarantineAfter < 0 {
		return fmt.Errorf("agent_quarantine_after must be non-negative")
	}
	if c.PromotionThreshold < 0 || c.PromotionThreshold > 1 {
		return fmt.Errorf("promotion_threshold must be in [0,1], got %v", c.PromotionThreshold)
	}
	if c.MaxExperiments <= 0 {
		return fmt.Errorf("max_experiments must be positive")
	}
	return nil
}
