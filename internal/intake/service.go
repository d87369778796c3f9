// Package intake accepts enrollment submissions: it validates them against
// the live eligibility rules, records them as PENDING and schedules the
// asynchronous processing work.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"enrollment-pipeline/internal/apperr"
	"enrollment-pipeline/internal/models"
	"enrollment-pipeline/internal/store"
	"enrollment-pipeline/internal/telemetry"
)

// Publisher enqueues a work item body.
type Publisher interface {
	Publish(ctx context.Context, body []byte) (string, error)
}

// EligibilityChecker decides whether an age is admitted right now.
type EligibilityChecker interface {
	Eligible(ctx context.Context, age int) (bool, error)
}

// Submission is the inbound enrollment request. Age is kept raw so that a
// missing or non-integer value is reported as invalid input.
type Submission struct {
	Name string          `json:"name"`
	Age  json.RawMessage `json:"age"`
	CPF  string          `json:"cpf"`
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	EnrollmentID string        `json:"enrollment_id"`
	Status       models.Status `json:"status"`
}

// Service implements Submit and GetStatus.
type Service struct {
	eligibility EligibilityChecker
	enrollments store.EnrollmentStore
	queue       Publisher
	logger      *zap.Logger
	now         func() time.Time
}

// NewService wires the intake dependencies.
func NewService(eligibility EligibilityChecker, enrollments store.EnrollmentStore, q Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		eligibility: eligibility,
		enrollments: enrollments,
		queue:       q,
		logger:      logger.With(zap.String("component", "intake")),
		now:         time.Now,
	}
}

// Submit validates, persists and enqueues one enrollment. The record is
// written before the work item is published; if publishing fails the record
// stays PENDING and the returned error has code queue_unavailable while the
// receipt still carries the id.
func (s *Service) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "intake.Submit")
	defer span.End()

	name := strings.TrimSpace(sub.Name)
	cpf := strings.TrimSpace(sub.CPF)
	age, ageErr := ParseAge(sub.Age)
	if name == "" || cpf == "" || ageErr != nil {
		telemetry.EnrollmentsRejected.WithLabelValues(string(apperr.CodeInvalidInput)).Inc()
		return Receipt{}, apperr.New(apperr.CodeInvalidInput, "missing required fields: name, age, cpf")
	}
	span.SetAttributes(attribute.Int("enrollment.age", age))

	ok, err := s.eligibility.Eligible(ctx, age)
	if err != nil {
		s.logger.Error("eligibility lookup failed", zap.Error(err))
		span.SetStatus(codes.Error, "eligibility lookup failed")
		return Receipt{}, err
	}
	if !ok {
		telemetry.EnrollmentsRejected.WithLabelValues(string(apperr.CodeNotEligible)).Inc()
		return Receipt{}, apperr.New(apperr.CodeNotEligible, "user age does not fit into any available age group")
	}

	now := s.now().UTC()
	enrollment := models.Enrollment{
		ID:        uuid.NewString(),
		Name:      name,
		Age:       age,
		CPF:       cpf,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(attribute.String("enrollment.id", enrollment.ID))

	if err := s.enrollments.CreateEnrollment(ctx, enrollment); err != nil {
		s.logger.Error("persist enrollment failed", zap.String("enrollment_id", enrollment.ID), zap.Error(err))
		span.SetStatus(codes.Error, "persist failed")
		return Receipt{}, apperr.Wrap(apperr.CodeStoreUnavailable, "could not persist enrollment", err)
	}

	receipt := Receipt{EnrollmentID: enrollment.ID, Status: models.StatusPending}
	body, err := json.Marshal(models.WorkItem{EnrollmentID: enrollment.ID})
	if err != nil {
		return receipt, apperr.Wrap(apperr.CodeFault, "could not encode work item", err)
	}
	msgID, err := s.queue.Publish(ctx, body)
	if err != nil {
		// The record exists but nothing will process it until the reconciler
		// republishes it.
		s.logger.Error("enqueue failed after persisting enrollment",
			zap.String("enrollment_id", enrollment.ID), zap.Error(err))
		span.SetStatus(codes.Error, "enqueue failed")
		return receipt, apperr.Wrap(apperr.CodeQueueUnavailable,
			fmt.Sprintf("enrollment %s was stored but could not be queued", enrollment.ID), err)
	}

	telemetry.EnrollmentsAccepted.Inc()
	s.logger.Info("enrollment accepted",
		zap.String("enrollment_id", enrollment.ID), zap.String("message_id", msgID))
	return receipt, nil
}

// GetStatus reads the current enrollment record.
func (s *Service) GetStatus(ctx context.Context, id string) (models.Enrollment, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Enrollment{}, apperr.New(apperr.CodeInvalidInput, "id is required")
	}
	e, err := s.enrollments.GetEnrollment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Enrollment{}, apperr.Wrap(apperr.CodeNotFound, "enrollment not found", err)
	}
	if err != nil {
		s.logger.Error("read enrollment failed", zap.String("enrollment_id", id), zap.Error(err))
		return models.Enrollment{}, apperr.Wrap(apperr.CodeStoreUnavailable, "could not read enrollment", err)
	}
	return e, nil
}

// ParseAge accepts a JSON integer, an integral JSON number such as 25.0, or a
// string holding an integer. Anything else, including null, is an error.
func ParseAge(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.New("age is required")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("decode age: %w", err)
	}

	var text string
	switch t := v.(type) {
	case json.Number:
		text = t.String()
	case string:
		text = strings.TrimSpace(t)
	default:
		return 0, fmt.Errorf("age must be an integer, got %T", v)
	}

	if n, err := strconv.Atoi(text); err == nil {
		return checkAge(n)
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return 0, fmt.Errorf("age must be an integer, got %q", text)
	}
	if f < 0 || f > models.MaxAge {
		return 0, fmt.Errorf("age must be between 0 and %d", models.MaxAge)
	}
	return checkAge(int(f))
}

func checkAge(n int) (int, error) {
	if n < 0 || n > models.MaxAge {
		return 0, fmt.Errorf("age must be between 0 and %d", models.MaxAge)
	}
	return n, nil
}
