package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config carries every tunable of the control tower. Values come from an
// optional YAML file overlaid with LCT_* environment variables.
type Config struct {
	HTTPAddr string `koanf:"http_addr"`
	LogLevel string `koanf:"log_level"`

	KafkaBrokers []string `koanf:"kafka_brokers"`
	DatabaseURL  string   `koanf:"database_url"`

	// Bus sizing.
	QueueCapacity int `koanf:"queue_capacity"`
	RecentBuffer  int `koanf:"recent_buffer"`

	// Detection.
	RuleCooldown   time.Duration `koanf:"rule_cooldown"`
	ResyncInterval time.Duration `koanf:"resync_interval"`

	// Pipeline.
	PipelineWorkers int `koanf:"pipeline_workers"`

	// Reasoning provider.
	OpenAIAPIKey     string        `koanf:"openai_api_key"`
	ReasoningModel   string        `koanf:"reasoning_model"`
	ReasoningTimeout time.Duration `koanf:"reasoning_timeout"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		HTTPAddr:         ":8080",
		LogLevel:         "info",
		KafkaBrokers:     []string{"localhost:19092"},
		DatabaseURL:      "",
		QueueCapacity:    10000,
		RecentBuffer:     500,
		RuleCooldown:     5 * time.Minute,
		ResyncInterval:   15 * time.Second,
		PipelineWorkers:  4,
		ReasoningModel:   "gpt-4o-mini",
		ReasoningTimeout: 30 * time.Second,
	}
}

// Load reads the YAML file at path (if it exists), then overlays LCT_*
// environment variables, e.g. LCT_DATABASE_URL -> database_url.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("LCT_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "LCT_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}
	if cfg.RecentBuffer <= 0 {
		cfg.RecentBuffer = 500
	}
	if cfg.PipelineWorkers <= 0 {
		cfg.PipelineWorkers = 1
	}

	return cfg, nil
}
