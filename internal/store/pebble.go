package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"enrollment-pipeline/internal/models"
)

var (
	rulePrefix       = []byte("rule/")
	enrollmentPrefix = []byte("enrollment/")
)

// Pebble stores both collections as JSON values in an embedded Pebble
// database. Pebble has no conditional write, so guarded updates hold mu
// across the read-check-write.
type Pebble struct {
	db    *pebble.DB
	mu    sync.Mutex
	write *pebble.WriteOptions
	now   func() time.Time
}

// PebbleOptions configures OpenPebble.
type PebbleOptions struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// NoSync skips the WAL fsync on each write. Tests use it.
	NoSync bool
}

// OpenPebble creates or opens a Pebble database.
func OpenPebble(opts PebbleOptions) (*Pebble, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: DataDir is required")
	}
	db, err := pebble.Open(opts.DataDir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	write := pebble.Sync
	if opts.NoSync {
		write = pebble.NoSync
	}
	return &Pebble{db: db, write: write, now: time.Now}, nil
}

// Close closes the Pebble database.
func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Ping reads a missing key to confirm the database is open and readable.
func (p *Pebble) Ping(context.Context) error {
	if p == nil || p.db == nil {
		return errors.New("pebble: not open")
	}
	_, closer, err := p.db.Get([]byte("ping"))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pebble ping: %w", err)
	}
	return closer.Close()
}

func (p *Pebble) CreateRule(_ context.Context, rule models.EligibilityRule) error {
	return p.put(ruleKey(rule.ID), rule)
}

func (p *Pebble) ListRules(_ context.Context) ([]models.EligibilityRule, error) {
	var rules []models.EligibilityRule
	err := p.scan(rulePrefix, func(v []byte) error {
		var r models.EligibilityRule
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("decode rule: %w", err)
		}
		rules = append(rules, r)
		return nil
	})
	return rules, err
}

func (p *Pebble) DeleteRule(_ context.Context, id string) error {
	// Pebble deletes of absent keys succeed.
	if err := p.db.Delete(ruleKey(id), p.write); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

func (p *Pebble) CreateEnrollment(_ context.Context, e models.Enrollment) error {
	return p.put(enrollmentKey(e.ID), e)
}

func (p *Pebble) GetEnrollment(_ context.Context, id string) (models.Enrollment, error) {
	return p.getEnrollment(id)
}

func (p *Pebble) MarkProcessed(_ context.Context, id string) error {
	return p.transition(id, models.StatusProcessed, "")
}

func (p *Pebble) MarkFailed(_ context.Context, id, reason string) error {
	return p.transition(id, models.StatusFailed, reason)
}

func (p *Pebble) TouchPending(_ context.Context, id string) error {
	return p.transition(id, models.StatusPending, "")
}

func (p *Pebble) transition(id string, to models.Status, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, err := p.getEnrollment(id)
	if err != nil {
		return err
	}
	if !transitionAllowed(e.Status, to) {
		return fmt.Errorf("enrollment %s is %s, cannot become %s: %w", id, e.Status, to, ErrInvalidTransition)
	}
	e.Status = to
	if reason != "" {
		e.FailureReason = reason
	}
	e.UpdatedAt = p.now().UTC()
	return p.put(enrollmentKey(id), e)
}

// ListPendingBefore scans every enrollment; there is no status index.
func (p *Pebble) ListPendingBefore(_ context.Context, cutoff time.Time, limit int) ([]models.Enrollment, error) {
	var out []models.Enrollment
	err := p.scan(enrollmentPrefix, func(v []byte) error {
		var e models.Enrollment
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("decode enrollment: %w", err)
		}
		if e.Status == models.StatusPending && e.UpdatedAt.Before(cutoff) {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByUpdated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *Pebble) getEnrollment(id string) (models.Enrollment, error) {
	val, closer, err := p.db.Get(enrollmentKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return models.Enrollment{}, fmt.Errorf("enrollment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Enrollment{}, fmt.Errorf("get enrollment: %w", err)
	}
	defer closer.Close()

	var e models.Enrollment
	if err := json.Unmarshal(val, &e); err != nil {
		return models.Enrollment{}, fmt.Errorf("decode enrollment: %w", err)
	}
	return e, checkStatus(e)
}

func (p *Pebble) put(key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := p.db.Set(key, raw, p.write); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (p *Pebble) scan(prefix []byte, fn func(v []byte) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return fmt.Errorf("new iterator: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			_ = iter.Close()
			return err
		}
	}
	return iter.Close()
}

func ruleKey(id string) []byte {
	return append(bytes.Clone(rulePrefix), id...)
}

func enrollmentKey(id string) []byte {
	return append(bytes.Clone(enrollmentPrefix), id...)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
