// Package retry runs operations with bounded attempts and backoff.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// Config configures retry behavior.
type Config struct {
	Attempts   int           // Total attempts including the first (default: 3)
	BaseDelay  time.Duration // Delay unit between attempts (default: 500ms)
	MaxDelay   time.Duration // Upper bound for a single delay, 0 means none
	Multiplier float64       // 0 or 1 gives linear backoff (BaseDelay * attempt)
}

// Result describes a finished retry run.
type Result struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// ImageFetchConfig is the policy for image lookups: 3 attempts, 0.5s × attempt.
func ImageFetchConfig() Config {
	return Config{Attempts: 3, BaseDelay: 500 * time.Millisecond}
}

// Do runs op until it succeeds, attempts run out or ctx is done. op receives
// the 1-based attempt number.
func Do(ctx context.Context, cfg Config, logger zerolog.Logger, op func(attempt int) error) Result {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}

	start := time.Now()
	var res Result
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		res.Attempts = attempt
		err := op(attempt)
		if err == nil {
			res.LastError = nil
			res.TotalDuration = time.Since(start)
			return res
		}
		res.LastError = err

		if attempt == cfg.Attempts {
			break
		}
		delay := Delay(cfg, attempt)
		logger.Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.LastError = ctx.Err()
			res.TotalDuration = time.Since(start)
			return res
		case <-timer.C:
		}
	}
	res.TotalDuration = time.Since(start)
	return res
}

// Delay returns the wait after the given failed attempt.
func Delay(cfg Config, attempt int) time.Duration {
	var d float64
	if cfg.Multiplier <= 1 {
		d = float64(cfg.BaseDelay) * float64(attempt)
	} else {
		d = float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	return time.Duration(d)
}
