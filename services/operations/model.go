// Package operations implements the asynchronous operation lifecycle: a
// persisted state machine (PENDING -> RUNNING -> SUCCEEDED|FAILED), the
// dispatcher that claims and executes queued operations, and the idempotency
// ledger that deduplicates client retries.
package operations

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is an operation lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Warning codes attached to operations during processing.
const (
	WarnProcessingError = "PROCESSING_ERROR"
	WarnUnknownType     = "UNKNOWN_TYPE"
	WarnLeaseExpired    = "LEASE_EXPIRED"
	WarnVersionConflict = "VERSION_CONFLICT"
)

var (
	// ErrNotFound is returned when an operation id is unknown.
	ErrNotFound = errors.New("operation not found")

	// ErrInvalidTransition is returned for any non-monotonic status move,
	// including every transition out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTerminal is returned when mutating an operation that already
	// reached SUCCEEDED or FAILED.
	ErrTerminal = errors.New("operation is terminal")
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusSucceeded, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether s is SUCCEEDED or FAILED.
func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.rank() >= 0 }

// CanAdvanceTo reports whether the move from s to next is monotonic. Terminal
// states admit no successor; equal or backwards moves are rejected.
func (s Status) CanAdvanceTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// Warning is an informational annotation appended during processing. Warnings
// never block a terminal status; once the operation is terminal no further
// warnings are accepted.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Operation is a tracked unit of asynchronous work.
type Operation struct {
	ID             uuid.UUID      `json:"id"`
	Type           string         `json:"type"`
	Status         Status         `json:"status"`
	Payload        map[string]any `json:"payload,omitempty"`
	Warnings       []Warning      `json:"warnings"`
	LeaseExpiresAt *time.Time     `json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
