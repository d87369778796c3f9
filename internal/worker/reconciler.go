package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"enrollment-pipeline/internal/models"
	"enrollment-pipeline/internal/store"
	"enrollment-pipeline/internal/telemetry"
)

// Publisher enqueues a work item body.
type Publisher interface {
	Publish(ctx context.Context, body []byte) (string, error)
}

// Reconciler republishes enrollments that have stayed PENDING longer than
// expected, covering the gap left when intake stored a record but could not
// enqueue it. Republishing is safe because the processor ignores duplicates
// of PROCESSED records. Each republished record is touched, so it is not
// picked up again until another pendingAge has passed.
type Reconciler struct {
	enrollments store.EnrollmentStore
	queue       Publisher
	pendingAge  time.Duration
	interval    time.Duration
	batchSize   int
	logger      *zap.Logger
	now         func() time.Time
}

// NewReconciler builds a reconciler.
func NewReconciler(st store.EnrollmentStore, q Publisher, pendingAge, interval time.Duration, batchSize int, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Reconciler{
		enrollments: st,
		queue:       q,
		pendingAge:  pendingAge,
		interval:    interval,
		batchSize:   batchSize,
		logger:      logger.With(zap.String("component", "reconciler")),
		now:         time.Now,
	}
}

// Sweep republishes one batch of stale PENDING enrollments and returns how
// many were republished. A failed publish is logged and the sweep moves on.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.pendingAge)
	stale, err := r.enrollments.ListPendingBefore(ctx, cutoff, r.batchSize)
	if err != nil {
		return 0, err
	}

	republished := 0
	for _, e := range stale {
		body, err := json.Marshal(models.WorkItem{EnrollmentID: e.ID})
		if err != nil {
			return republished, err
		}
		if _, err := r.queue.Publish(ctx, body); err != nil {
			telemetry.ReconcileFailures.Inc()
			r.logger.Warn("republish failed", zap.String("enrollment_id", e.ID), zap.Error(err))
			continue
		}
		republished++
		telemetry.Republished.Inc()

		err = r.enrollments.TouchPending(ctx, e.ID)
		switch {
		case err == nil, errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
			// Processed or gone since the listing; nothing to refresh.
		default:
			r.logger.Warn("refresh after republish failed", zap.String("enrollment_id", e.ID), zap.Error(err))
		}
	}
	if republished > 0 {
		r.logger.Info("republished stale enrollments", zap.Int("count", republished), zap.Time("cutoff", cutoff))
	}
	return republished, nil
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
