package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"enrollment-pipeline/internal/models"
	"enrollment-pipeline/internal/queue"
	"enrollment-pipeline/internal/store"
)

type stubPublisher struct {
	mu     sync.Mutex
	bodies [][]byte
	failOn map[string]bool
}

func (s *stubPublisher) Publish(_ context.Context, body []byte) (string, error) {
	var item models.WorkItem
	if err := json.Unmarshal(body, &item); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[item.EnrollmentID] {
		return "", errors.New("queue unavailable")
	}
	s.bodies = append(s.bodies, body)
	return "m-" + item.EnrollmentID, nil
}

func (s *stubPublisher) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.bodies))
	for _, b := range s.bodies {
		var item models.WorkItem
		_ = json.Unmarshal(b, &item)
		out = append(out, item.EnrollmentID)
	}
	return out
}

func seedAt(t *testing.T, st *store.Memory, id string, status models.Status, created time.Time) {
	t.Helper()
	require.NoError(t, st.CreateEnrollment(context.Background(), models.Enrollment{
		ID: id, Name: "n", Age: 20, CPF: "c", Status: status, CreatedAt: created, UpdatedAt: created,
	}))
}

func TestReconcilerSweepRepublishesStalePending(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	st := store.NewMemory()
	seedAt(t, st, "old-1", models.StatusPending, now.Add(-time.Hour))
	seedAt(t, st, "old-2", models.StatusPending, now.Add(-30*time.Minute))
	seedAt(t, st, "fresh", models.StatusPending, now.Add(-time.Minute))
	seedAt(t, st, "done", models.StatusProcessed, now.Add(-time.Hour))
	seedAt(t, st, "dead", models.StatusFailed, now.Add(-time.Hour))

	pub := &stubPublisher{}
	r := NewReconciler(st, pub, 10*time.Minute, time.Minute, 100, nil)
	r.now = func() time.Time { return now }

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"old-1", "old-2"}, pub.ids())
}

func TestReconcilerSweepHonorsBatchSize(t *testing.T) {
	now := time.Now()
	st := store.NewMemory()
	for i, id := range []string{"a", "b", "c"} {
		seedAt(t, st, id, models.StatusPending, now.Add(-time.Hour+time.Duration(i)*time.Second))
	}
	pub := &stubPublisher{}
	r := NewReconciler(st, pub, time.Minute, time.Minute, 2, nil)

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, pub.ids())
}

func TestReconcilerSweepContinuesPastPublishFailure(t *testing.T) {
	now := time.Now()
	st := store.NewMemory()
	seedAt(t, st, "a", models.StatusPending, now.Add(-2*time.Hour))
	seedAt(t, st, "b", models.StatusPending, now.Add(-time.Hour))

	core, logs := observer.New(zapcore.WarnLevel)
	pub := &stubPublisher{failOn: map[string]bool{"a": true}}
	r := NewReconciler(st, pub, time.Minute, time.Minute, 10, zap.New(core))

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b"}, pub.ids())

	failed := logs.FilterMessage("republish failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].ContextMap()["enrollment_id"])
}

func TestReconcilerRepublishedItemIsProcessedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	e := h.seed(t)
	pub := &stubPublisher{}
	r := NewReconciler(h.st.Memory, pub, 0, time.Minute, 10, nil)
	r.now = func() time.Time { return time.Now().Add(time.Second) }

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The original delivery and the republished copy both arrive.
	out := h.proc.HandleBatch(ctx, []queue.Delivery{delivery("orig", item(e.ID), 1)})
	assert.Equal(t, OutcomeProcessed, out[0].Kind)
	out = h.proc.HandleBatch(ctx, []queue.Delivery{delivery("copy", string(pub.bodies[0]), 1)})
	assert.Equal(t, OutcomeDuplicate, out[0].Kind)
	assert.EqualValues(t, 1, h.effect.calls.Load())
}

func TestReconcilerDoesNotRepublishUntilPendingAgePasses(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedAt(t, st, "a", models.StatusPending, time.Now().Add(-time.Hour))
	pub := &stubPublisher{}
	r := NewReconciler(st, pub, 10*time.Minute, time.Minute, 10, nil)

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err := st.GetEnrollment(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.WithinDuration(t, time.Now(), rec.UpdatedAt, time.Minute, "republish refreshes the record")

	// The first copy is still queued; further sweeps leave it alone.
	for i := 0; i < 3; i++ {
		n, err = r.Sweep(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Equal(t, []string{"a"}, pub.ids())

	// Once pendingAge has passed since the refresh, it is eligible again.
	r.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconcilerRunStopsOnCancel(t *testing.T) {
	st := store.NewMemory()
	seedAt(t, st, "a", models.StatusPending, time.Now().Add(-time.Hour))
	pub := &stubPublisher{}
	r := NewReconciler(st, pub, 0, 10*time.Millisecond, 10, nil)
	r.now = func() time.Time { return time.Now().Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(pub.ids()) >= 2 }, 2*time.Second, 5*time.Millisecond,
		"sweeps repeat every interval")
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
