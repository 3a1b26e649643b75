// Package config loads the YAML configuration consumed by the
// duolink-send and duolink-recv CLI driver programs. It has no effect
// on the core transport's semantics — every field here is a
// convenience over the same public Transport operations.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the CLI drivers' configuration surface.
type Config struct {
	Window       int     `yaml:"window"`
	ProbReliable float64 `yaml:"prob_reliable"`
	EnableSACK   bool    `yaml:"enable_sack"`
	MSS          int     `yaml:"mss"`
	Verbose      bool    `yaml:"verbose"`

	Metrics   MetricsConfig   `yaml:"metrics"`
	StatsFeed StatsFeedConfig `yaml:"stats_feed"`
	LossNet   LossNetConfig   `yaml:"emulate"`
}

// MetricsConfig controls the optional Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// StatsFeedConfig controls the optional WebSocket stats dashboard feed.
type StatsFeedConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	IntervalMs int    `yaml:"interval_ms"`
}

// LossNetConfig parameterizes the loss/reorder/corruption emulation
// harness used for demos and tests; all three are independent
// per-datagram probabilities in [0, 1].
type LossNetConfig struct {
	LossProb    float64 `yaml:"loss_prob"`
	ReorderProb float64 `yaml:"reorder_prob"`
	CorruptProb float64 `yaml:"corrupt_prob"`
}

// Load reads and validates a YAML config file, starting from
// DefaultConfig so unset fields keep sane values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when no config file is
// given and no CLI flag overrides a field.
func DefaultConfig() *Config {
	return &Config{
		Window:       32,
		ProbReliable: 1.0,
		EnableSACK:   true,
		MSS:          1024,
		Verbose:      false,

		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9100",
		},
		StatsFeed: StatsFeedConfig{
			Enabled:    false,
			Listen:     ":9101",
			IntervalMs: 500,
		},
	}
}

// Validate checks that every field is within the range the transport
// and the loss harness require.
func (c *Config) Validate() error {
	if c.Window < 1 || c.Window >= 1<<30 {
		return fmt.Errorf("window must be in [1, 2^30), got %d", c.Window)
	}
	if c.ProbReliable < 0 || c.ProbReliable > 1 {
		return fmt.Errorf("prob_reliable must be in [0, 1], got %f", c.ProbReliable)
	}
	if c.MSS < 1 || c.MSS > 1458 { // 1472 (max datagram) - 14 (base header)
		return fmt.Errorf("mss must be in [1, 1458], got %d", c.MSS)
	}
	for name, p := range map[string]float64{
		"emulate.loss_prob":    c.LossNet.LossProb,
		"emulate.reorder_prob": c.LossNet.ReorderProb,
		"emulate.corrupt_prob": c.LossNet.CorruptProb,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s must be in [0, 1], got %f", name, p)
		}
	}
	return nil
}
