package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/cpunion/chorus/pkg/activity"
	"github.com/cpunion/chorus/pkg/retry"
)

// Options tunes the coordinators. Zero values get defaults.
type Options struct {
	// StaggerDelay is multiplied by a character's position in a generation
	// batch and waited before its call (default 500ms, negative disables).
	StaggerDelay time.Duration
	// PendingWait bounds how long EnsureResponsesLoaded waits for pending
	// entries (default 1s).
	PendingWait time.Duration
	// RatePerMinute limits remote generation calls across the engine.
	// 0 disables the limiter.
	RatePerMinute float64
	Burst         int
	// ImageRetry is the policy for image lookups during reply generation.
	ImageRetry retry.Config

	Logger   *zerolog.Logger
	Activity activity.Logger
	Now      func() time.Time
	NewID    func() string
}

func (o Options) withDefaults() Options {
	if o.StaggerDelay < 0 {
		o.StaggerDelay = 0
	} else if o.StaggerDelay == 0 {
		o.StaggerDelay = 500 * time.Millisecond
	}
	if o.PendingWait <= 0 {
		o.PendingWait = time.Second
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.ImageRetry.Attempts <= 0 {
		o.ImageRetry = retry.ImageFetchConfig()
	}
	if o.Logger == nil {
		l := log.Logger
		o.Logger = &l
	}
	if o.Activity == nil {
		o.Activity = activity.Nop{}
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

func (o Options) limiter() *rate.Limiter {
	if o.RatePerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(o.RatePerMinute/60), o.Burst)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// record writes ev to the activity log. Failures are only logged.
func (o Options) record(ev activity.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = o.Now()
	}
	if err := o.Activity.Log(ev); err != nil {
		o.Logger.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("activity log write failed")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
