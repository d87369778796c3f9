package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"enrollment-pipeline/internal/config"
	"enrollment-pipeline/internal/deadletter"
	"enrollment-pipeline/internal/models"
	"enrollment-pipeline/internal/queue"
	"enrollment-pipeline/internal/store"
	"enrollment-pipeline/internal/telemetry"
)

// Queue is the consumer side of the work queue.
type Queue interface {
	Receive(ctx context.Context, max int) ([]queue.Delivery, error)
	Ack(ctx context.Context, id string) error
	Retry(ctx context.Context, id string, delay time.Duration) error
	ExtendLease(ctx context.Context, id string, extension time.Duration) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
}

// OutcomeKind classifies how a work item ended.
type OutcomeKind string

const (
	OutcomeProcessed OutcomeKind = "processed"
	// OutcomeDuplicate is a redelivery of an item whose enrollment is already PROCESSED.
	OutcomeDuplicate OutcomeKind = "duplicate"
	// OutcomeSkipped covers malformed payloads and enrollments already FAILED.
	OutcomeSkipped  OutcomeKind = "skipped"
	OutcomeNotFound OutcomeKind = "record_not_found"
	OutcomeFailed   OutcomeKind = "failed"
	// OutcomeRetry leaves the message unacknowledged for redelivery.
	OutcomeRetry OutcomeKind = "retry"
)

// Outcome is the result of handling one delivery.
type Outcome struct {
	MessageID    string
	EnrollmentID string
	Kind         OutcomeKind
	Err          error
}

// Terminal reports whether the message should be acknowledged.
func (o Outcome) Terminal() bool { return o.Kind != OutcomeRetry }

// Processor drives the worker execution loop.
type Processor struct {
	cfg         config.Config
	queue       Queue
	enrollments store.EnrollmentStore
	effect      Effect
	deadLetters deadletter.Sink
	logger      *zap.Logger
	workerID    string
}

// NewProcessor creates a processor. A nil effect defaults to a DelayEffect of
// cfg.ProcessingDelay.
func NewProcessor(cfg config.Config, q Queue, st store.EnrollmentStore, effect Effect, dl deadletter.Sink, logger *zap.Logger) *Processor {
	return NewProcessorWithID(cfg, q, st, effect, dl, logger, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q Queue, st store.EnrollmentStore, effect Effect, dl deadletter.Sink, logger *zap.Logger, workerID string) *Processor {
	if effect == nil {
		effect = DelayEffect{Delay: cfg.ProcessingDelay}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.WorkerBatchSize <= 0 {
		cfg.WorkerBatchSize = 10
	}
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	return &Processor{
		cfg:         cfg,
		queue:       q,
		enrollments: st,
		effect:      effect,
		deadLetters: dl,
		logger:      logger.With(zap.String("component", "worker"), zap.String("worker_id", workerID)),
		workerID:    workerID,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.housekeeping(ctx)

		deliveries, err := p.queue.Receive(ctx, p.cfg.WorkerBatchSize)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("receive failed", zap.Error(err))
			}
			p.idle(ctx)
			continue
		}
		if len(deliveries) == 0 {
			p.idle(ctx)
			continue
		}

		outcomes := p.HandleBatch(ctx, deliveries)
		p.settle(ctx, deliveries, outcomes)
	}
}

// housekeeping promotes due retries, reclaims expired leases and refreshes gauges.
func (p *Processor) housekeeping(ctx context.Context) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil && ctx.Err() == nil {
		p.logger.Warn("promote scheduled failed", zap.Error(err))
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil && ctx.Err() == nil {
		p.logger.Warn("requeue expired failed", zap.Error(err))
	} else if len(reclaimed) > 0 {
		p.logger.Info("reclaimed expired leases", zap.Int("count", len(reclaimed)))
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
	if inflight, err := p.queue.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(inflight))
	}
}

func (p *Processor) idle(ctx context.Context) {
	t := time.NewTimer(p.cfg.WorkerPollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// HandleBatch handles every delivery independently; a failure on one item
// never stops the others. It never returns a batch-wide error; retryable
// failures are reported as OutcomeRetry with Err set.
func (p *Processor) HandleBatch(ctx context.Context, deliveries []queue.Delivery) []Outcome {
	outcomes := make([]Outcome, len(deliveries))
	var g errgroup.Group
	g.SetLimit(p.cfg.WorkerConcurrency)
	for i, d := range deliveries {
		g.Go(func() error {
			outcomes[i] = p.handle(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		telemetry.WorkerOutcomes.WithLabelValues(string(o.Kind)).Inc()
	}
	return outcomes
}

func (p *Processor) handle(ctx context.Context, d queue.Delivery) Outcome {
	ctx, span := telemetry.Tracer().Start(ctx, "worker.handle")
	defer span.End()
	span.SetAttributes(attribute.String("message.id", d.ID), attribute.Int("message.attempt", d.Attempt))

	log := p.logger.With(zap.String("message_id", d.ID), zap.Int("attempt", d.Attempt))

	var item models.WorkItem
	if err := json.Unmarshal(d.Body, &item); err != nil || item.EnrollmentID == "" {
		reason := "missing enrollment_id"
		if err != nil {
			reason = fmt.Sprintf("undecodable payload: %v", err)
		}
		log.Warn("skipping malformed work item", zap.String("reason", reason))
		return p.poison(ctx, d, reason, log)
	}

	id := item.EnrollmentID
	span.SetAttributes(attribute.String("enrollment.id", id))
	log = log.With(zap.String("enrollment_id", id))
	out := Outcome{MessageID: d.ID, EnrollmentID: id}

	current, err := p.enrollments.GetEnrollment(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("enrollment record not found", zap.String("outcome", string(OutcomeNotFound)))
		out.Kind = OutcomeNotFound
		return out
	case err != nil:
		return p.retryOrExhaust(ctx, d, out, fmt.Errorf("read enrollment: %w", err), log)
	}

	switch current.Status {
	case models.StatusProcessed:
		log.Info("duplicate delivery for processed enrollment")
		out.Kind = OutcomeDuplicate
		return out
	case models.StatusFailed:
		log.Warn("enrollment already failed, skipping")
		out.Kind = OutcomeSkipped
		return out
	}

	if p.cfg.ProcessingDelay > p.cfg.VisibilityTimeout/2 {
		if err := p.queue.ExtendLease(ctx, d.ID, p.cfg.ProcessingDelay+p.cfg.VisibilityTimeout); err != nil {
			log.Warn("extend lease failed", zap.Error(err))
		}
	}

	if err := p.effect.Apply(ctx, current); err != nil {
		if IsPermanent(err) {
			return p.fail(ctx, d, out, fmt.Sprintf("processing failed: %v", err), log)
		}
		return p.retryOrExhaust(ctx, d, out, fmt.Errorf("processing effect: %w", err), log)
	}

	err = p.enrollments.MarkProcessed(ctx, id)
	switch {
	case err == nil:
		log.Info("enrollment processed")
		out.Kind = OutcomeProcessed
	case errors.Is(err, store.ErrNotFound):
		log.Warn("enrollment record not found", zap.String("outcome", string(OutcomeNotFound)))
		out.Kind = OutcomeNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		log.Warn("enrollment left PENDING concurrently, skipping", zap.Error(err))
		out.Kind = OutcomeSkipped
	default:
		return p.retryOrExhaust(ctx, d, out, fmt.Errorf("mark processed: %w", err), log)
	}
	return out
}

// poison dead-letters a malformed message. If the sink is unreachable the
// message is kept for redelivery until its attempts run out.
func (p *Processor) poison(ctx context.Context, d queue.Delivery, reason string, log *zap.Logger) Outcome {
	out := Outcome{MessageID: d.ID, Kind: OutcomeSkipped}
	if err := p.sendDeadLetter(ctx, d, reason); err != nil {
		if d.Attempt < p.cfg.MaxAttempts {
			log.Error("dead-letter sink unavailable, will retry", zap.Error(err))
			out.Kind = OutcomeRetry
			out.Err = err
			return out
		}
		log.Error("dead-letter sink unavailable, dropping malformed message", zap.Error(err))
	}
	return out
}

func (p *Processor) retryOrExhaust(ctx context.Context, d queue.Delivery, out Outcome, err error, log *zap.Logger) Outcome {
	if d.Attempt >= p.cfg.MaxAttempts {
		return p.fail(ctx, d, out, fmt.Sprintf("delivery attempts exhausted after %d tries: %v", d.Attempt, err), log)
	}
	log.Warn("transient failure, message will be redelivered", zap.Error(err))
	out.Kind = OutcomeRetry
	out.Err = err
	return out
}

// fail moves the enrollment to FAILED and dead-letters the message.
func (p *Processor) fail(ctx context.Context, d queue.Delivery, out Outcome, reason string, log *zap.Logger) Outcome {
	err := p.enrollments.MarkFailed(ctx, out.EnrollmentID, reason)
	switch {
	case err == nil, errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrNotFound):
		if err != nil {
			log.Warn("could not mark enrollment failed", zap.Error(err))
		}
	default:
		log.Error("mark failed errored, message will be redelivered", zap.Error(err))
		out.Kind = OutcomeRetry
		out.Err = err
		return out
	}

	if err := p.sendDeadLetter(ctx, d, reason); err != nil {
		log.Error("dead-letter sink unavailable", zap.Error(err))
	}
	log.Error("enrollment failed", zap.String("reason", reason))
	out.Kind = OutcomeFailed
	out.Err = errors.New(reason)
	return out
}

func (p *Processor) sendDeadLetter(ctx context.Context, d queue.Delivery, reason string) error {
	if p.deadLetters == nil {
		return nil
	}
	err := p.deadLetters.Send(ctx, models.DeadLetter{
		MessageID: d.ID,
		Body:      string(d.Body),
		Reason:    reason,
		Attempts:  d.Attempt,
		At:        time.Now().UTC(),
	})
	if err == nil {
		telemetry.DeadLetters.Inc()
	}
	return err
}

// settle acknowledges terminal outcomes and reschedules retries. It runs on a
// context detached from cancellation so a shutdown mid-batch still records
// what was decided.
func (p *Processor) settle(ctx context.Context, deliveries []queue.Delivery, outcomes []Outcome) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	for i, d := range deliveries {
		o := outcomes[i]
		if o.Terminal() {
			if err := p.queue.Ack(sctx, d.ID); err != nil {
				p.logger.Error("ack failed", zap.String("message_id", d.ID), zap.Error(err))
			}
			continue
		}
		delay := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, d.Attempt)
		if err := p.queue.Retry(sctx, d.ID, delay); err != nil {
			// The lease will expire and the message comes back anyway.
			p.logger.Error("schedule retry failed", zap.String("message_id", d.ID), zap.Error(err))
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := max
	if exp < float64(max) {
		wait = time.Duration(exp)
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
