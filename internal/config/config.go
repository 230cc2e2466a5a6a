// Package config defines the process configuration for the rating service
// and its loading hooks.
//
// Conventions:
// - New() builds a Config with defaults; Load(ctx) layers file and env on top.
// - Validation errors wrap ErrInvalidConfig.
package config

import (
	"fmt"
	"math"
	"runtime"
	"strings"

	"github.com/okian/whr/internal/domain/rating"
)

// Ordering names accepted by the "ordering" key.
const (
	OrderingSequential = "sequential"
	OrderingParallel   = "parallel"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// PriorVariance is the Elo-scale variance of the rating random walk per
	// unit of time.
	PriorVariance float64 `koanf:"prior_variance"`

	// AllowDraws makes recorded draws contribute to the likelihood.
	AllowDraws bool `koanf:"allow_draws"`

	// ConvergenceThreshold is the log-likelihood change that ends a fit.
	ConvergenceThreshold float64 `koanf:"convergence_threshold"`

	// MaxIterations caps a convergence run.
	MaxIterations int `koanf:"max_iterations"`

	// Ordering selects sequential (Gauss-Seidel) or parallel (Jacobi) updates.
	Ordering string `koanf:"ordering"`

	// WorkerCount sizes the pool used by parallel ordering.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize bounds the match id idempotency set. Zero or less is unbounded.
	DedupeSize int `koanf:"dedupe_size"`

	// LeaderboardLimit caps TopN requests.
	LeaderboardLimit int `koanf:"leaderboard_limit"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		PriorVariance:        rating.DefaultPriorVariance,
		AllowDraws:           false,
		ConvergenceThreshold: rating.DefaultConvergenceThreshold,
		MaxIterations:        rating.DefaultMaxIterations,
		Ordering:             OrderingSequential,
		WorkerCount:          runtime.NumCPU(),
		DedupeSize:           100_000,
		LeaderboardLimit:     100,
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.PriorVariance <= 0 || math.IsNaN(c.PriorVariance) || math.IsInf(c.PriorVariance, 0) {
		return fmt.Errorf("%w: prior_variance must be positive and finite, got %v", ErrInvalidConfig, c.PriorVariance)
	}
	if c.ConvergenceThreshold <= 0 || math.IsNaN(c.ConvergenceThreshold) {
		return fmt.Errorf("%w: convergence_threshold must be positive, got %v", ErrInvalidConfig, c.ConvergenceThreshold)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("%w: max_iterations must be at least 1, got %d", ErrInvalidConfig, c.MaxIterations)
	}
	if _, err := c.RatingOrdering(); err != nil {
		return err
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("%w: worker_count must be at least 1, got %d", ErrInvalidConfig, c.WorkerCount)
	}
	if c.LeaderboardLimit < 1 {
		return fmt.Errorf("%w: leaderboard_limit must be at least 1, got %d", ErrInvalidConfig, c.LeaderboardLimit)
	}
	return nil
}

// RatingConfig projects the model knobs.
func (c *Config) RatingConfig() rating.Config {
	return rating.Config{
		PriorVariance: c.PriorVariance,
		AllowDraws:    c.AllowDraws,
	}
}

// RatingOrdering parses the ordering name.
func (c *Config) RatingOrdering() (rating.Ordering, error) {
	switch strings.ToLower(strings.TrimSpace(c.Ordering)) {
	case "", OrderingSequential:
		return rating.Sequential, nil
	case OrderingParallel:
		return rating.Parallel, nil
	default:
		return rating.Sequential, fmt.Errorf("%w: unknown ordering %q", ErrInvalidConfig, c.Ordering)
	}
}
