// Package deadletter routes messages that will never be retried to places an
// operator can inspect them.
package deadletter

import (
	"context"
	"errors"

	"enrollment-pipeline/internal/models"
)

// Sink accepts dead letters.
type Sink interface {
	Send(ctx context.Context, letter models.DeadLetter) error
}

// Fanout sends every letter to all sinks and joins their errors.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, letter models.DeadLetter) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Send(ctx, letter); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
