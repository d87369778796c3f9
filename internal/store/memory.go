package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"enrollment-pipeline/internal/models"
)

// Memory keeps both collections in process. It backs local runs and tests.
type Memory struct {
	mu          sync.RWMutex
	rules       map[string]models.EligibilityRule
	enrollments map[string]models.Enrollment
	now         func() time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		rules:       make(map[string]models.EligibilityRule),
		enrollments: make(map[string]models.Enrollment),
		now:         time.Now,
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateRule(_ context.Context, rule models.EligibilityRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rule.ID] = rule
	return nil
}

func (m *Memory) ListRules(_ context.Context) ([]models.EligibilityRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.EligibilityRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rules, id)
	return nil
}

func (m *Memory) CreateEnrollment(_ context.Context, e models.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrollments[e.ID] = e
	return nil
}

func (m *Memory) GetEnrollment(_ context.Context, id string) (models.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.enrollments[id]
	if !ok {
		return models.Enrollment{}, fmt.Errorf("enrollment %s: %w", id, ErrNotFound)
	}
	return e, nil
}

func (m *Memory) MarkProcessed(_ context.Context, id string) error {
	return m.transition(id, models.StatusProcessed, "")
}

func (m *Memory) MarkFailed(_ context.Context, id, reason string) error {
	return m.transition(id, models.StatusFailed, reason)
}

func (m *Memory) TouchPending(_ context.Context, id string) error {
	return m.transition(id, models.StatusPending, "")
}

func (m *Memory) transition(id string, to models.Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return fmt.Errorf("enrollment %s: %w", id, ErrNotFound)
	}
	if !transitionAllowed(e.Status, to) {
		return fmt.Errorf("enrollment %s is %s, cannot become %s: %w", id, e.Status, to, ErrInvalidTransition)
	}
	e.Status = to
	if reason != "" {
		e.FailureReason = reason
	}
	e.UpdatedAt = m.now().UTC()
	m.enrollments[id] = e
	return nil
}

func (m *Memory) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]models.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Enrollment
	for _, e := range m.enrollments {
		if e.Status == models.StatusPending && e.UpdatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	sortByUpdated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortByUpdated(es []models.Enrollment) {
	sort.Slice(es, func(i, j int) bool {
		if es[i].UpdatedAt.Equal(es[j].UpdatedAt) {
			return es[i].ID < es[j].ID
		}
		return es[i].UpdatedAt.Before(es[j].UpdatedAt)
	})
}
