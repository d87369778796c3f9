package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"enrollment-pipeline/internal/models"
)

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("rules round trip", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		rule := models.EligibilityRule{ID: uuid.NewString(), MinAge: 18, MaxAge: 30, CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
		require.NoError(t, st.CreateRule(ctx, rule))

		rules, err := st.ListRules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, rule.ID, rules[0].ID)
		assert.Equal(t, 18, rules[0].MinAge)
		assert.Equal(t, 30, rules[0].MaxAge)

		require.NoError(t, st.DeleteRule(ctx, rule.ID))
		rules, err = st.ListRules(ctx)
		require.NoError(t, err)
		assert.Empty(t, rules)
	})

	t.Run("delete missing rule succeeds", func(t *testing.T) {
		st := newStore(t)
		assert.NoError(t, st.DeleteRule(context.Background(), "nonexistent"))
	})

	t.Run("get missing enrollment", func(t *testing.T) {
		st := newStore(t)
		_, err := st.GetEnrollment(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("mark processed is idempotent", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		e := pendingEnrollment(time.Now())
		require.NoError(t, st.CreateEnrollment(ctx, e))

		require.NoError(t, st.MarkProcessed(ctx, e.ID))
		require.NoError(t, st.MarkProcessed(ctx, e.ID))

		got, err := st.GetEnrollment(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessed, got.Status)
		assert.Equal(t, e.Name, got.Name)
		assert.Equal(t, e.CPF, got.CPF)
	})

	t.Run("mark processed requires existence", func(t *testing.T) {
		st := newStore(t)
		err := st.MarkProcessed(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("failed is terminal", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		e := pendingEnrollment(time.Now())
		require.NoError(t, st.CreateEnrollment(ctx, e))

		require.NoError(t, st.MarkFailed(ctx, e.ID, "delivery budget exhausted"))
		assert.ErrorIs(t, st.MarkProcessed(ctx, e.ID), ErrInvalidTransition)
		assert.ErrorIs(t, st.MarkFailed(ctx, e.ID, "again"), ErrInvalidTransition)

		got, err := st.GetEnrollment(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, "delivery budget exhausted", got.FailureReason)
	})

	t.Run("processed cannot fail", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		e := pendingEnrollment(time.Now())
		require.NoError(t, st.CreateEnrollment(ctx, e))
		require.NoError(t, st.MarkProcessed(ctx, e.ID))

		assert.ErrorIs(t, st.MarkFailed(ctx, e.ID, "late"), ErrInvalidTransition)
	})

	t.Run("concurrent guarded updates", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		e := pendingEnrollment(time.Now())
		require.NoError(t, st.CreateEnrollment(ctx, e))

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- st.MarkProcessed(ctx, e.ID)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}
		got, err := st.GetEnrollment(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessed, got.Status)
	})

	t.Run("list pending before cutoff", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

		oldest := pendingEnrollment(base)
		older := pendingEnrollment(base.Add(time.Minute))
		recent := pendingEnrollment(base.Add(50 * time.Minute))
		done := pendingEnrollment(base)
		for _, e := range []models.Enrollment{recent, older, oldest, done} {
			require.NoError(t, st.CreateEnrollment(ctx, e))
		}
		require.NoError(t, st.MarkProcessed(ctx, done.ID))

		got, err := st.ListPendingBefore(ctx, base.Add(30*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, oldest.ID, got[0].ID)
		assert.Equal(t, older.ID, got[1].ID)

		got, err = st.ListPendingBefore(ctx, base.Add(30*time.Minute), 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, oldest.ID, got[0].ID)

		got, err = st.ListPendingBefore(ctx, base.Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Len(t, got, 3, "no limit")
	})

	t.Run("touch pending defers listing", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		e := pendingEnrollment(time.Now().Add(-time.Hour))
		require.NoError(t, st.CreateEnrollment(ctx, e))
		cutoff := time.Now().Add(-time.Minute)

		got, err := st.ListPendingBefore(ctx, cutoff, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)

		require.NoError(t, st.TouchPending(ctx, e.ID))
		got, err = st.ListPendingBefore(ctx, cutoff, 10)
		require.NoError(t, err)
		assert.Empty(t, got)

		rec, err := st.GetEnrollment(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, rec.Status)
		assert.True(t, rec.UpdatedAt.After(cutoff))
		assert.True(t, rec.CreatedAt.Equal(e.CreatedAt), "created_at is untouched")

		require.NoError(t, st.MarkProcessed(ctx, e.ID))
		assert.ErrorIs(t, st.TouchPending(ctx, e.ID), ErrInvalidTransition)
		assert.ErrorIs(t, st.TouchPending(ctx, uuid.NewString()), ErrNotFound)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(context.Background()))
	})
}

func TestTransitionAllowed(t *testing.T) {
	p, d, f := models.StatusPending, models.StatusProcessed, models.StatusFailed
	allowed := map[[2]models.Status]bool{
		{p, d}: true, {d, d}: true, {p, f}: true, {p, p}: true,
		{d, f}: false, {f, d}: false, {f, f}: false, {d, p}: false, {f, p}: false,
		{"ARCHIVED", p}: false, {"ARCHIVED", f}: false, {p, "ARCHIVED"}: false,
	}
	for pair, want := range allowed {
		assert.Equal(t, want, transitionAllowed(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}
}

func TestPebbleRejectsUnknownStatus(t *testing.T) {
	ctx := context.Background()
	st, err := OpenPebble(PebbleOptions{DataDir: t.TempDir(), NoSync: true})
	require.NoError(t, err)
	defer st.Close()

	e := pendingEnrollment(time.Now())
	e.Status = "ARCHIVED"
	require.NoError(t, st.CreateEnrollment(ctx, e))

	_, err = st.GetEnrollment(ctx, e.ID)
	assert.ErrorContains(t, err, "unknown status")
	assert.Error(t, st.MarkProcessed(ctx, e.ID))
}

func pendingEnrollment(created time.Time) models.Enrollment {
	created = created.UTC().Truncate(time.Millisecond)
	return models.Enrollment{
		ID:        uuid.NewString(),
		Name:      "Jane Doe",
		Age:       25,
		CPF:       "11122233344",
		Status:    models.StatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemory() })
}

func TestPebbleStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		st, err := OpenPebble(PebbleOptions{DataDir: t.TempDir(), NoSync: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestPebbleStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := OpenPebble(PebbleOptions{DataDir: dir})
	require.NoError(t, err)
	e := pendingEnrollment(time.Now())
	require.NoError(t, st.CreateEnrollment(ctx, e))
	require.NoError(t, st.MarkProcessed(ctx, e.ID))
	require.NoError(t, st.Close())

	st, err = OpenPebble(PebbleOptions{DataDir: dir})
	require.NoError(t, err)
	defer st.Close()
	got, err := st.GetEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessed, got.Status)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("rule0"), prefixEnd([]byte("rule/")))
	assert.Equal(t, []byte{0x02}, prefixEnd([]byte{0x01, 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff}))
}

func TestEmbedded(t *testing.T) {
	assert.True(t, Embedded("memory"))
	assert.True(t, Embedded("pebble"))
	assert.False(t, Embedded("postgres"))
	assert.False(t, Embedded(""))
}
