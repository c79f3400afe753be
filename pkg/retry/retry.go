// Package retry provides exponential backoff for side-effect-free operations
package retry

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"time"
)

const (
	defaultInitialDelay = 50 * time.Millisecond
	defaultMaxDelay     = time.Second
	maxMultiplier       = 1000
)

// Config describes how often and how patiently an operation is retried
type Config struct {
	MaxAttempts  int           // total attempts including the first; <= 0 means one
	InitialDelay time.Duration // sleep before the second attempt
	MaxDelay     time.Duration // ceiling for any single sleep
	Multiplier   float64       // growth factor between sleeps
	AddJitter    bool          // add up to 25% random delay

	// RetryIf decides whether err warrants another attempt. Nil retries
	// every error.
	RetryIf func(err error) bool

	// OnRetry is called before sleeping ahead of attempt+1.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Quick returns the configuration used for client calls
func Quick() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

func (cfg *Config) normalize() error {
	switch {
	case cfg.InitialDelay < 0, cfg.MaxDelay < 0, cfg.Multiplier < 0:
		return errors.New("retry: delays and multiplier must not be negative")
	}
	cfg.MaxAttempts = max(cfg.MaxAttempts, 1)
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = max(defaultMaxDelay, cfg.InitialDelay)
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}
	cfg.Multiplier = min(cfg.Multiplier, maxMultiplier)
	if cfg.MaxDelay < cfg.InitialDelay {
		return fmt.Errorf("retry: MaxDelay %v is below InitialDelay %v", cfg.MaxDelay, cfg.InitialDelay)
	}
	return nil
}

// schedule yields the sleep before each retry, MaxAttempts-1 values in all
func (cfg Config) schedule() iter.Seq[time.Duration] {
	return func(yield func(time.Duration) bool) {
		delay := cfg.InitialDelay
		for range cfg.MaxAttempts - 1 {
			sleep := delay
			if cfg.AddJitter && delay >= 4 {
				sleep += rand.N(delay / 4)
			}
			if !yield(sleep) {
				return
			}
			delay = time.Duration(min(float64(delay)*cfg.Multiplier, float64(cfg.MaxDelay)))
		}
	}
}

// Do runs fn until it succeeds, RetryIf rejects its error or the attempts
// run out. The last error is returned wrapped; an error rejected by RetryIf
// is returned as is. Cancelling ctx stops both calls and sleeps.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if err := cfg.normalize(); err != nil {
		return err
	}

	err := fn(ctx)
	attempt := 1
	for sleep := range cfg.schedule() {
		if err == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt+1, ctx.Err())
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err, sleep)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}

		attempt++
		err = fn(ctx)
	}

	switch {
	case err == nil:
		return nil
	case cfg.RetryIf != nil && !cfg.RetryIf(err):
		return err
	}
	return fmt.Errorf("retry failed after %d attempts: %w", attempt, err)
}

// DoWithResult is Do for functions that return a value
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}
