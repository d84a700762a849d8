package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Cyber-41/ouroboros-free/internal/otel"
)

// ModelConfig holds the model backend settings.
type ModelConfig struct {
	// Identity is the primary model identity, e.g. "anthropic/claude-sonnet-4".
	Identity string `yaml:"identity"`

	// Fallbacks is the ordered list of identities substituted when the
	// primary returns empty or invalid-model responses.
	Fallbacks []string `yaml:"fallbacks"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // e.g. https://openrouter.ai/api/v1

	// PricingRefreshMinutes is the live pricing refresh interval. 0 disables
	// refresh and keeps the built-in table.
	PricingRefreshMinutes int `yaml:"pricing_refresh_minutes"`

	MaxTokensPerRound          int `yaml:"max_tokens_per_round"`
	EvolutionMaxTokensPerRound int `yaml:"evolution_max_tokens_per_round"`
}

// BudgetConfig holds the session spend ceiling.
type BudgetConfig struct {
	TotalUSD float64 `yaml:"total_usd"`
}

// DedupConfig holds the duplicate-submission gate settings.
type DedupConfig struct {
	// Threshold is the Jaccard similarity above which a submission is
	// rejected. 0 disables the gate.
	Threshold  float64 `yaml:"threshold"`
	WindowSize int     `yaml:"window_size"`
	WindowMins int     `yaml:"window_mins"`
}

// EvolutionConfig holds the periodic self-evolution settings.
type EvolutionConfig struct {
	Enabled bool `yaml:"enabled"`
	// Cron is a standard 5-field cron expression.
	Cron             string `yaml:"cron"`
	TimeoutMinutes   int    `yaml:"timeout_minutes"`
	MaxRounds        int    `yaml:"max_rounds"`
	BreakerThreshold int    `yaml:"breaker_threshold"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount         int    `yaml:"worker_count"`
	TaskTimeoutMinutes  int    `yaml:"task_timeout_minutes"`
	MaxRounds           int    `yaml:"max_rounds"`
	MaxQueueDepth       int    `yaml:"max_queue_depth"` // 0 = unlimited
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`
	LogLevel            string `yaml:"log_level"`

	Model     ModelConfig     `yaml:"model"`
	Budget    BudgetConfig    `yaml:"budget"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Evolution EvolutionConfig `yaml:"evolution"`
	Channels  ChannelsConfig  `yaml:"channels"`
	OTel      otel.Config     `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the tunables covered by live reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|timeout=%d|rounds=%d|queue=%d|log=%s|model=%s|dedup=%.3f|budget=%.2f",
		c.WorkerCount, c.TaskTimeoutMinutes, c.MaxRounds, c.MaxQueueDepth,
		c.LogLevel, c.Model.Identity, c.Dedup.Threshold, c.Budget.TotalUSD)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// TaskTimeout returns the deadline window for direct chat and worker tasks.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMinutes) * time.Minute
}

// EvolutionTimeout returns the deadline window for evolution tasks.
func (c Config) EvolutionTimeout() time.Duration {
	return time.Duration(c.Evolution.TimeoutMinutes) * time.Minute
}

func defaultConfig() Config {
	return Config{
		WorkerCount:         4,
		TaskTimeoutMinutes:  30,
		MaxRounds:           100,
		MaxQueueDepth:       100,
		DrainTimeoutSeconds: 10,
		LogLevel:            "info",
		Model: ModelConfig{
			Identity:                   "anthropic/claude-sonnet-4",
			BaseURL:                    "https://openrouter.ai/api/v1",
			PricingRefreshMinutes:      60,
			MaxTokensPerRound:          8192,
			EvolutionMaxTokensPerRound: 4096,
		},
		Budget: BudgetConfig{TotalUSD: 10.0},
		Dedup: DedupConfig{
			Threshold:  0.82,
			WindowSize: 200,
			WindowMins: 30,
		},
		Evolution: EvolutionConfig{
			Enabled:          true,
			Cron:             "0 */6 * * *",
			TimeoutMinutes:   10,
			MaxRounds:        30,
			BreakerThreshold: 3,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("OUROBOROS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ouroboros")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ouroboros home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.TaskTimeoutMinutes <= 0 {
		cfg.TaskTimeoutMinutes = 30
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 100
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 10
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Model.Identity) == "" {
		cfg.Model.Identity = "anthropic/claude-sonnet-4"
	}
	if cfg.Model.BaseURL == "" {
		cfg.Model.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Evolution.TimeoutMinutes <= 0 {
		cfg.Evolution.TimeoutMinutes = 10
	}
	if cfg.Evolution.MaxRounds <= 0 {
		cfg.Evolution.MaxRounds = 30
	}
	if cfg.Evolution.BreakerThreshold <= 0 {
		cfg.Evolution.BreakerThreshold = 3
	}
	if cfg.Evolution.Cron == "" {
		cfg.Evolution.Cron = "0 */6 * * *"
	}
	if cfg.Dedup.WindowSize <= 0 {
		cfg.Dedup.WindowSize = 200
	}
	if cfg.Dedup.WindowMins <= 0 {
		cfg.Dedup.WindowMins = 30
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("OUROBOROS_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("OUROBOROS_TASK_TIMEOUT_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutMinutes = v
		}
	}
	if raw := os.Getenv("OUROBOROS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OUROBOROS_BUDGET_USD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Budget.TotalUSD = v
		}
	}
	if raw := os.Getenv("OUROBOROS_MODEL"); raw != "" {
		cfg.Model.Identity = raw
	}
	if raw := os.Getenv("OUROBOROS_FALLBACK_MODELS"); raw != "" {
		var fallbacks []string
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				fallbacks = append(fallbacks, id)
			}
		}
		cfg.Model.Fallbacks = fallbacks
	}
	if raw := os.Getenv("OPENROUTER_API_KEY"); raw != "" {
		cfg.Model.APIKey = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
