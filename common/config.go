// Copyright © 2017 Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the whole service configuration, loaded once at startup and then
// passed by value. There is no mutable process-wide settings object; anything
// derived lazily sits behind a sync.Once at its point of use.
type Config struct {
	StorageRoot        string `yaml:"storage_root" validate:"required"`
	StructuredStoreURL string `yaml:"structured_store_url" validate:"required"`
	RedisURL           string `yaml:"redis_url"`

	WorkerCount      int   `yaml:"worker_count" validate:"gte=1,lte=64"`
	JobLeaseSeconds  int   `yaml:"job_lease_seconds" validate:"gte=10"`
	MaxAttempts      int   `yaml:"max_attempts" validate:"gte=1"`
	MaxFileSizeBytes int64 `yaml:"max_file_size_bytes" validate:"gt=0"`
	ResultTTLSeconds int   `yaml:"result_ttl_seconds" validate:"gt=0"`
	SweepSeconds     int   `yaml:"sweep_seconds" validate:"gte=60"`
	ArtifactGraceSec int   `yaml:"artifact_grace_seconds"`
	JobWallClockSec  int   `yaml:"job_wall_clock_seconds"`

	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Engine    EngineConfig     `yaml:"engine"`
	Providers []ProviderConfig `yaml:"providers" validate:"dive"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
}

type RateLimitConfig struct {
	WindowSeconds int            `yaml:"window_seconds" validate:"gt=0"`
	Buckets       int            `yaml:"buckets" validate:"gt=0"`
	TierLimits    map[string]int `yaml:"tiers"` // per-tier requests per window
	PendingCaps   map[string]int `yaml:"pending_caps"`
}

type EngineConfig struct {
	Path             string `yaml:"path"`
	InvokeTimeoutSec int    `yaml:"invoke_timeout_seconds"`
	MaxRestarts      int    `yaml:"max_restarts"`
}

type ProviderConfig struct {
	ID                string       `yaml:"id" validate:"required"`
	Kind              ProviderKind `yaml:"kind"`
	BaseURL           string       `yaml:"base_url"`
	APIKey            string       `yaml:"api_key"`
	DefaultModel      string       `yaml:"default_model" validate:"required"`
	DailyBudgetUSD    float64      `yaml:"daily_budget_usd"`
	MonthlyBudgetUSD  float64      `yaml:"monthly_budget_usd"`
	TimeoutSeconds    int          `yaml:"timeout_seconds" validate:"lte=300"`
	InputCostPerMTok  float64      `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok float64      `yaml:"output_cost_per_mtok"`
	ContextWindow     int64        `yaml:"context_window"`
}

type BreakerConfig struct {
	Window          int     `yaml:"window"`        // seconds before closed-state counts reset
	FailureRatio    float64 `yaml:"failure_ratio"` // closed→open threshold
	MinSamples      int     `yaml:"min_samples"`
	CooldownSeconds int     `yaml:"cooldown_seconds"`
}

type PipelineConfig struct {
	MaxConcurrency  int      `yaml:"max_concurrency" validate:"gte=1"`
	MaxFunctions    int      `yaml:"max_functions" validate:"gte=1"`
	SuccessFraction float64  `yaml:"success_fraction" validate:"gt=0,lte=1"`
	CostOptimized   bool     `yaml:"cost_optimized"`
	PreferenceOrder []string `yaml:"preference_order"`
}

// DefaultConfig carries the documented defaults; LoadConfig layers the YAML
// file and environment overrides on top of it.
func DefaultConfig() Config {
	return Config{
		WorkerCount:      4,
		JobLeaseSeconds:  120,
		MaxAttempts:      3,
		MaxFileSizeBytes: 100 * 1024 * 1024,
		ResultTTLSeconds: 24 * 60 * 60,
		SweepSeconds:     60,
		ArtifactGraceSec: 3600,
		JobWallClockSec:  2 * 3600,
		RateLimit: RateLimitConfig{
			WindowSeconds: 60,
			Buckets:       6,
			TierLimits:    map[string]int{"Free": 10, "Pro": 60, "Enterprise": 600},
			PendingCaps:   map[string]int{"Free": 2, "Pro": 10, "Enterprise": 100},
		},
		Engine: EngineConfig{
			Path:             GetEnvironmentVariable(EEnvironmentVariable.EnginePath()),
			InvokeTimeoutSec: 1200,
			MaxRestarts:      2,
		},
		Breaker: BreakerConfig{
			Window:          20,
			FailureRatio:    0.5,
			MinSamples:      5,
			CooldownSeconds: 30,
		},
		Pipeline: PipelineConfig{
			MaxConcurrency:  4,
			MaxFunctions:    200,
			SuccessFraction: 0.8,
		},
	}
}

// LoadConfig reads the YAML file (if present), applies environment variable
// overrides, validates, and returns an immutable record.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = GetEnvironmentVariable(EEnvironmentVariable.ConfigFile())
	}
	raw, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parsing config file %s", path)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, errors.Wrapf(err, "reading config file %s", path)
	}

	applyEnvOverrides(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, errors.Wrap(err, "config validation")
	}
	for i := range cfg.Providers {
		if cfg.Providers[i].TimeoutSeconds <= 0 {
			cfg.Providers[i].TimeoutSeconds = 30
		}
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EEnvironmentVariable.StorageRoot().Name); v != "" {
		cfg.StorageRoot = v
	}
	if v := os.Getenv(EEnvironmentVariable.StructuredStoreURL().Name); v != "" {
		cfg.StructuredStoreURL = v
	}
	if v := os.Getenv(EEnvironmentVariable.RedisURL().Name); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv(EEnvironmentVariable.WorkerCount().Name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerCount = n
		}
	}
	if v := os.Getenv(EEnvironmentVariable.EnginePath().Name); v != "" {
		cfg.Engine.Path = v
	}
	// Per-provider key override: BINSAGE_PROVIDER_KEY_<ID>
	prefix := EEnvironmentVariable.ProviderAPIKeyPrefix().Name
	for i := range cfg.Providers {
		envName := prefix + strings.ToUpper(strings.ReplaceAll(cfg.Providers[i].ID, "-", "_"))
		if v := os.Getenv(envName); v != "" {
			cfg.Providers[i].APIKey = v
		}
	}
}

// Derived accessors. These keep duration math in one place.

func (c Config) JobLease() time.Duration       { return time.Duration(c.JobLeaseSeconds) * time.Second }
func (c Config) HeartbeatEvery() time.Duration { return c.JobLease() / 3 }
func (c Config) ResultTTL() time.Duration      { return time.Duration(c.ResultTTLSeconds) * time.Second }
func (c Config) SweepInterval() time.Duration  { return time.Duration(c.SweepSeconds) * time.Second }
func (c Config) ArtifactGrace() time.Duration {
	return time.Duration(c.ArtifactGraceSec) * time.Second
}
func (c Config) JobWallClock() time.Duration {
	return time.Duration(c.JobWallClockSec) * time.Second
}
func (e EngineConfig) InvokeTimeout() time.Duration {
	return time.Duration(e.InvokeTimeoutSec) * time.Second
}
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}
func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// TierLimit returns the per-window request limit for a tier, zero meaning
// "no limit configured".
func (r RateLimitConfig) TierLimit(t Tier) int { return r.TierLimits[t.String()] }

// PendingCap returns the max queued+running jobs for a tier.
func (r RateLimitConfig) PendingCap(t Tier) int { return r.PendingCaps[t.String()] }
