package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const minimalConfig = `{
  "agents": {
    "endpoints": {
      "market_data": {"url": "http://localhost:9001", "enabled": true},
      "analysis": {"url": "http://localhost:9002", "enabled": true},
      "language": {"url": "http://localhost:9003", "enabled": true}
    }
  }
}`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	if cfg.General.DefaultDeadline != 10*time.Second {
		t.Fatalf("unexpected default deadline: %v", cfg.General.DefaultDeadline)
	}
	if cfg.General.OptionalDeadline != 2*time.Second {
		t.Fatalf("unexpected optional deadline: %v", cfg.General.OptionalDeadline)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("unexpected retry attempts: %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Fatalf("unexpected breaker threshold: %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Assembly.MaxItems != 20 {
		t.Fatalf("unexpected assembly cap: %d", cfg.Assembly.MaxItems)
	}
	if cfg.Server.Address != ":10020" {
		t.Fatalf("unexpected server address: %s", cfg.Server.Address)
	}
}

func TestLoadConfigRejectsMissingCoreAgents(t *testing.T) {
	body := `{"agents": {"endpoints": {"market_data": {"url": "http://localhost:9001", "enabled": true}}}}`
	if _, err := LoadConfig(writeConfig(t, body)); err == nil {
		t.Fatalf("config without analysis and language agents accepted")
	}
}

func TestLoadConfigRejectsDisabledCoreAgent(t *testing.T) {
	body := `{
  "agents": {
    "endpoints": {
      "market_data": {"url": "http://localhost:9001", "enabled": false},
      "analysis": {"url": "http://localhost:9002", "enabled": true},
      "language": {"url": "http://localhost:9003", "enabled": true}
    }
  }
}`
	if _, err := LoadConfig(writeConfig(t, body)); err == nil {
		t.Fatalf("config with disabled market_data agent accepted")
	}
}
