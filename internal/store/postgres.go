package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"enrollment-pipeline/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateRule inserts an eligibility rule.
func (s *Postgres) CreateRule(ctx context.Context, rule models.EligibilityRule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO eligibility_rules (id, min_age, max_age, created_at)
		VALUES ($1, $2, $3, $4)
	`, rule.ID, rule.MinAge, rule.MaxAge, rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// ListRules scans the whole rule table.
func (s *Postgres) ListRules(ctx context.Context) ([]models.EligibilityRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, min_age, max_age, created_at FROM eligibility_rules`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.EligibilityRule
	for rows.Next() {
		var r models.EligibilityRule
		if err := rows.Scan(&r.ID, &r.MinAge, &r.MaxAge, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return rules, nil
}

// DeleteRule removes a rule; a missing id affects zero rows and is not an error.
func (s *Postgres) DeleteRule(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM eligibility_rules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return nil
}

// CreateEnrollment inserts a new enrollment row.
func (s *Postgres) CreateEnrollment(ctx context.Context, e models.Enrollment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrollments (id, name, age, cpf, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.Name, e.Age, e.CPF, string(e.Status), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert enrollment: %w", err)
	}
	return nil
}

// GetEnrollment fetches an enrollment by id.
func (s *Postgres) GetEnrollment(ctx context.Context, id string) (models.Enrollment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, age, cpf, status, failure_reason, created_at, updated_at
		FROM enrollments WHERE id = $1
	`, id)
	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Enrollment{}, fmt.Errorf("enrollment %s: %w", id, ErrNotFound)
		}
		return models.Enrollment{}, fmt.Errorf("scan enrollment: %w", err)
	}
	return e, nil
}

// MarkProcessed applies the guarded PENDING|PROCESSED -> PROCESSED update.
func (s *Postgres) MarkProcessed(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.StatusProcessed, nil,
		[]string{string(models.StatusPending), string(models.StatusProcessed)})
}

// MarkFailed applies the guarded PENDING -> FAILED update.
func (s *Postgres) MarkFailed(ctx context.Context, id, reason string) error {
	return s.transition(ctx, id, models.StatusFailed, &reason,
		[]string{string(models.StatusPending)})
}

// TouchPending refreshes updated_at of a PENDING row.
func (s *Postgres) TouchPending(ctx context.Context, id string) error {
	return s.transition(ctx, id, models.StatusPending, nil,
		[]string{string(models.StatusPending)})
}

// transition runs a single conditional UPDATE; the row lock makes concurrent
// callers serialize on the same key.
func (s *Postgres) transition(ctx context.Context, id string, to models.Status, reason *string, from []string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE enrollments
		SET status = $2, failure_reason = COALESCE($3, failure_reason), updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`, id, string(to), reason, from)
	if err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM enrollments WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("enrollment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read enrollment status: %w", err)
	}
	return fmt.Errorf("enrollment %s is %s, cannot become %s: %w", id, current, to, ErrInvalidTransition)
}

// ListPendingBefore returns PENDING enrollments not updated since cutoff.
// LIMIT NULL, from a non-positive limit, means no limit.
func (s *Postgres) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Enrollment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, age, cpf, status, failure_reason, created_at, updated_at
		FROM enrollments
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at, id
		LIMIT NULLIF(GREATEST($3::int, 0), 0)
	`, string(models.StatusPending), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending enrollments: %w", err)
	}
	defer rows.Close()

	var out []models.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending enrollments: %w", err)
	}
	return out, nil
}

func scanEnrollment(row pgx.Row) (models.Enrollment, error) {
	var e models.Enrollment
	var status string
	var reason pgtype.Text
	if err := row.Scan(&e.ID, &e.Name, &e.Age, &e.CPF, &status, &reason, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return models.Enrollment{}, err
	}
	e.Status = models.Status(status)
	if reason.Valid {
		e.FailureReason = reason.String
	}
	return e, checkStatus(e)
}
