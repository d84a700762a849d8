package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Cyber-41/ouroboros-free/internal/config"
)

func tempHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("OUROBOROS_HOME", home)
	return home
}

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	home := tempHome(t)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected home %s, got %s", home, cfg.HomeDir)
	}
	if cfg.WorkerCount != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.WorkerCount)
	}
	if cfg.TaskTimeout() != 30*time.Minute {
		t.Fatalf("expected 30m task timeout, got %v", cfg.TaskTimeout())
	}
	if cfg.EvolutionTimeout() != 10*time.Minute {
		t.Fatalf("expected 10m evolution timeout, got %v", cfg.EvolutionTimeout())
	}
	if cfg.Model.Identity != "anthropic/claude-sonnet-4" {
		t.Fatalf("unexpected default model %q", cfg.Model.Identity)
	}
	if cfg.Dedup.Threshold != 0.82 {
		t.Fatalf("unexpected dedup threshold %f", cfg.Dedup.Threshold)
	}
	if cfg.Budget.TotalUSD != 10.0 {
		t.Fatalf("unexpected budget %f", cfg.Budget.TotalUSD)
	}
	if !cfg.Evolution.Enabled || cfg.Evolution.Cron != "0 */6 * * *" {
		t.Fatalf("unexpected evolution defaults: %+v", cfg.Evolution)
	}
}

func TestLoad_ReadsConfigYAML(t *testing.T) {
	home := tempHome(t)
	raw := `
worker_count: 2
task_timeout_minutes: 5
log_level: debug
model:
  identity: openai/gpt-4o
  fallbacks:
    - openai/gpt-4o-mini
budget:
  total_usd: 2.5
channels:
  telegram:
    enabled: true
    token: from-yaml
    allowed_ids: [42]
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 2 || cfg.TaskTimeoutMinutes != 5 || cfg.LogLevel != "debug" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	if cfg.Model.Identity != "openai/gpt-4o" || len(cfg.Model.Fallbacks) != 1 {
		t.Fatalf("model section not applied: %+v", cfg.Model)
	}
	if cfg.Budget.TotalUSD != 2.5 {
		t.Fatalf("budget not applied: %f", cfg.Budget.TotalUSD)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "from-yaml" {
		t.Fatalf("telegram section not applied: %+v", cfg.Channels.Telegram)
	}
	// Sections absent from the file keep their defaults.
	if cfg.MaxRounds != 100 || cfg.Evolution.BreakerThreshold != 3 {
		t.Fatalf("defaults lost for absent sections: %+v", cfg)
	}
}

func TestLoad_MalformedYAMLFails(t *testing.T) {
	home := tempHome(t)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("worker_count: [not an int"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoad_EnvOverridesBeatYAML(t *testing.T) {
	home := tempHome(t)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("worker_count: 2\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OUROBOROS_WORKER_COUNT", "8")
	t.Setenv("OUROBOROS_BUDGET_USD", "3.75")
	t.Setenv("OUROBOROS_MODEL", "google/gemini-2.5-pro")
	t.Setenv("OUROBOROS_FALLBACK_MODELS", "openai/gpt-4o, deepseek/deepseek-chat ,")
	t.Setenv("OPENROUTER_API_KEY", "sk-or-test")
	t.Setenv("TELEGRAM_TOKEN", "12345:token")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 8 {
		t.Fatalf("env override lost: %d", cfg.WorkerCount)
	}
	if cfg.Budget.TotalUSD != 3.75 {
		t.Fatalf("budget override lost: %f", cfg.Budget.TotalUSD)
	}
	if cfg.Model.Identity != "google/gemini-2.5-pro" {
		t.Fatalf("model override lost: %q", cfg.Model.Identity)
	}
	want := []string{"openai/gpt-4o", "deepseek/deepseek-chat"}
	if len(cfg.Model.Fallbacks) != len(want) || cfg.Model.Fallbacks[0] != want[0] || cfg.Model.Fallbacks[1] != want[1] {
		t.Fatalf("fallback override lost: %v", cfg.Model.Fallbacks)
	}
	if cfg.Model.APIKey != "sk-or-test" || cfg.Channels.Telegram.Token != "12345:token" {
		t.Fatalf("secret overrides lost")
	}
}

func TestLoad_NormalizesInvalidValues(t *testing.T) {
	home := tempHome(t)
	raw := `
worker_count: -1
task_timeout_minutes: 0
max_rounds: 0
model:
  identity: "   "
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkerCount != 4 || cfg.TaskTimeoutMinutes != 30 || cfg.MaxRounds != 100 {
		t.Fatalf("normalization missing: %+v", cfg)
	}
	if cfg.Model.Identity != "anthropic/claude-sonnet-4" {
		t.Fatalf("blank identity not normalized: %q", cfg.Model.Identity)
	}
}

func TestFingerprint_TracksReloadableTunables(t *testing.T) {
	tempHome(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	base := cfg.Fingerprint()
	if base != cfg.Fingerprint() {
		t.Fatalf("fingerprint must be stable")
	}

	changed := cfg
	changed.WorkerCount++
	if changed.Fingerprint() == base {
		t.Fatalf("worker count change must alter the fingerprint")
	}

	changed = cfg
	changed.Model.Identity = "openai/gpt-4o"
	if changed.Fingerprint() == base {
		t.Fatalf("model change must alter the fingerprint")
	}

	// Secrets are not part of the fingerprint.
	changed = cfg
	changed.Model.APIKey = "sk-or-other"
	if changed.Fingerprint() != base {
		t.Fatalf("api key must not affect the fingerprint")
	}
}
