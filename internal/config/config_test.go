package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tenzoki/agenorc/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_appliesDefaults(t *testing.T) {
	path := writeConfig(t, "ledger_path: /tmp/x.ledger\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AgentErrThreshold != 3 {
		t.Fatalf("expected default agent_err_threshold 3, got %d", cfg.AgentErrThreshold)
	}
	if cfg.AgentQuarantineAfter != 3 {
		t.Fatalf("expected default agent_quarantine_after 3, got %d", cfg.AgentQuarantineAfter)
	}
	if cfg.MaxExperiments != 10 {
		t.Fatalf("expected default max_experiments 10, got %d", cfg.MaxExperiments)
	}
	if cfg.RescanSeconds != 60 {
		t.Fatalf("expected default rescan_seconds 60, got %d", cfg.RescanSeconds)
	}
}

func TestLoad_overridesDefaults(t *testing.T) {
	path := writeConfig(t, "ledger_path: /tmp/x.ledger\nagent_err_threshold: 7\nallow_insecure: true\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AgentErrThreshold != 7 {
		t.Fatalf("expected override to 7, got %d", cfg.AgentErrThreshold)
	}
	if !cfg.AllowInsecure {
		t.Fatal("expected allow_insecure override to true")
	}
}

func TestLoad_quarantineAfterIsIndependentOfErrThreshold(t *testing.T) {
	path := writeConfig(t, "ledger_path: /tmp/x.ledger\nagent_err_threshold: 1\nagent_quarantine_after: 5\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AgentErrThreshold != 1 {
		t.Fatalf("expected agent_err_threshold 1, got %d", cfg.AgentErrThreshold)
	}
	if cfg.AgentQuarantineAfter != 5 {
		t.Fatalf("expected agent_quarantine_after 5, got %d", cfg.AgentQuarantineAfter)
	}
}

func TestLoad_missingLedgerPathRejected(t *testing.T) {
	path := writeConfig(t, "agent_err_threshold: 1\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for missing ledger_path")
	}
}

func TestLoad_promotionThresholdOutOfRangeRejected(t *testing.T) {
	path := writeConfig(t, "ledger_path: /tmp/x.ledger\npromotion_threshold: 1.5\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for out-of-range promotion_threshold")
	}
}
