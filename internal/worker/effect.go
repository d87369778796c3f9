package worker

import (
	"context"
	"errors"
	"time"

	"enrollment-pipeline/internal/models"
)

// Effect is the processing work performed for one enrollment before it is
// marked PROCESSED. It may run more than once for the same enrollment when a
// delivery is retried after the effect but before the status update.
type Effect interface {
	Apply(ctx context.Context, e models.Enrollment) error
}

// EffectFunc adapts a function to Effect.
type EffectFunc func(ctx context.Context, e models.Enrollment) error

func (f EffectFunc) Apply(ctx context.Context, e models.Enrollment) error { return f(ctx, e) }

// DelayEffect simulates a slow workload.
type DelayEffect struct {
	Delay time.Duration
}

func (d DelayEffect) Apply(ctx context.Context, _ models.Enrollment) error {
	if d.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks an effect error as not worth retrying; the enrollment is
// moved to FAILED straight away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
