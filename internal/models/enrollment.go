package models

import (
	"math"
	"time"
)

// MaxAge is the largest age, and the largest rule bound, the system accepts.
// It matches the 32-bit INTEGER columns of the Postgres schema.
const MaxAge = math.MaxInt32

// Status enumerates enrollment lifecycle states.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailed:
		return true
	}
	return false
}

// EligibilityRule is an age interval [MinAge, MaxAge] admitting enrollments.
type EligibilityRule struct {
	ID        string    `json:"id"`
	MinAge    int       `json:"min_age"`
	MaxAge    int       `json:"max_age"`
	CreatedAt time.Time `json:"created_at"`
}

// Contains reports whether age falls inside the rule, bounds inclusive.
func (r EligibilityRule) Contains(age int) bool {
	return r.MinAge <= age && age <= r.MaxAge
}

// Enrollment is the durable record for one submission.
type Enrollment struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Age           int       `json:"age"`
	CPF           string    `json:"cpf"`
	Status        Status    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// WorkItem is the queue payload asking a worker to process one enrollment.
type WorkItem struct {
	EnrollmentID string `json:"enrollment_id"`
}

// DeadLetter is a queue message that will not be retried, kept for operators.
type DeadLetter struct {
	MessageID string    `json:"message_id"`
	Body      string    `json:"body"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	At        time.Time `json:"at"`
}
