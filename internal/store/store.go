package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"enrollment-pipeline/internal/models"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned by guarded updates when the record exists
	// but its current status does not permit the requested transition.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// EligibilityStore persists age-range rules.
type EligibilityStore interface {
	CreateRule(ctx context.Context, rule models.EligibilityRule) error
	// ListRules returns the whole collection in no particular order.
	ListRules(ctx context.Context) ([]models.EligibilityRule, error)
	// DeleteRule removes the rule. Deleting a missing id is not an error.
	DeleteRule(ctx context.Context, id string) error
}

// EnrollmentStore persists enrollment records. The Mark* methods are guarded
// updates and must be atomic per key.
type EnrollmentStore interface {
	CreateEnrollment(ctx context.Context, e models.Enrollment) error
	GetEnrollment(ctx context.Context, id string) (models.Enrollment, error)
	// MarkProcessed moves a PENDING record to PROCESSED. Repeating it on a
	// PROCESSED record succeeds without changing anything visible.
	MarkProcessed(ctx context.Context, id string) error
	// MarkFailed moves a PENDING record to FAILED.
	MarkFailed(ctx context.Context, id, reason string) error
	// TouchPending bumps UpdatedAt of a PENDING record without changing its
	// status. The reconciler uses it after requeueing a record.
	TouchPending(ctx context.Context, id string) error
	// ListPendingBefore returns up to limit PENDING records last updated
	// before cutoff, least recently updated first. limit <= 0 means no limit.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Enrollment, error)
}

// Store bundles both collections behind one backend.
type Store interface {
	EligibilityStore
	EnrollmentStore
	// Ping reports whether the backend can serve requests.
	Ping(ctx context.Context) error
	Close() error
}

// transitionAllowed encodes the status machine shared by every backend.
// PENDING -> PENDING is the reconciler's refresh of a record it requeued.
func transitionAllowed(from, to models.Status) bool {
	switch to {
	case models.StatusProcessed:
		return from == models.StatusPending || from == models.StatusProcessed
	case models.StatusFailed, models.StatusPending:
		return from.Valid() && !from.Terminal()
	}
	return false
}

// checkStatus rejects records whose stored status is outside the state machine.
func checkStatus(e models.Enrollment) error {
	if !e.Status.Valid() {
		return fmt.Errorf("enrollment %s has unknown status %q", e.ID, e.Status)
	}
	return nil
}
