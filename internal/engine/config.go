package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/cloudpipe/internal/platform/env"
)

// Config holds process-wide execution defaults.
type Config struct {
	Concurrency  int
	StageTimeout time.Duration
	Retry        RetryPolicy
}

func ConfigFromEnv() (Config, error) {
	def := DefaultRetryPolicy()
	concurrency, err := env.Int("PIPELINE_CONCURRENCY", 4)
	if err != nil {
		return Config{}, err
	}
	stageTimeout, err := env.Duration("PIPELINE_STAGE_TIMEOUT", 0)
	if err != nil {
		return Config{}, err
	}
	attempts, err := env.Int("PIPELINE_RETRY_MAX_ATTEMPTS", def.MaxAttempts)
	if err != nil {
		return Config{}, err
	}
	initial, err := env.Duration("PIPELINE_RETRY_INITIAL", def.Backoff.Initial)
	if err != nil {
		return Config{}, err
	}
	max, err := env.Duration("PIPELINE_RETRY_MAX", def.Backoff.Max)
	if err != nil {
		return Config{}, err
	}
	multiplier, err := env.Float("PIPELINE_RETRY_MULTIPLIER", def.Backoff.Multiplier)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Concurrency:  concurrency,
		StageTimeout: stageTimeout,
		Retry: RetryPolicy{
			MaxAttempts: attempts,
			Backoff: Backoff{
				Type:       strings.ToLower(strings.TrimSpace(env.String("PIPELINE_RETRY_BACKOFF", def.Backoff.Type))),
				Initial:    initial,
				Max:        max,
				Multiplier: multiplier,
			},
		},
	}, nil
}

func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("PIPELINE_CONCURRENCY must be >= 1")
	}
	if c.StageTimeout < 0 {
		return fmt.Errorf("PIPELINE_STAGE_TIMEOUT must not be negative")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry policy: %w", err)
	}
	return nil
}
