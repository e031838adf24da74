package mail

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a delivery unit's lifecycle state.
//
// Transitions:
//
//	pending --claim--> processing
//	processing --sent--> completed
//	processing --retryable failure--> pending (re-queued with backoff)
//	processing --retries exhausted--> failed
//
// completed and failed are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition may occur out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the state machine permits s -> next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed || next == StatusPending
	default:
		return false
	}
}

// DeliveryUnit is one recipient's scheduled email and its lifecycle state.
//
// The scheduled instant is set at creation and moves forward only when a
// retry is re-queued, so a restart rebuilds retry delays from the store.
// All mutable state (status, attempts, error detail) is owned by the worker
// pool once the unit has been dispatched.
type DeliveryUnit struct {
	ID          string
	Recipient   string
	Subject     string
	Body        string
	Sender      string
	ScheduledAt time.Time // absolute UTC
	Status      Status
	Attempts    int    // transport attempts consumed so far
	ErrorDetail string // set only when Status == failed (or last retryable error)

	// HourlyLimit overrides the configured per-sender limit when > 0.
	// It travels with the unit so the override survives restarts.
	HourlyLimit int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewUnit builds a pending unit for one recipient.
func NewUnit(recipient, subject, body, sender string, scheduledAt time.Time, hourlyLimit int) DeliveryUnit {
	now := time.Now().UTC()
	return DeliveryUnit{
		ID:          uuid.NewString(),
		Recipient:   recipient,
		Subject:     subject,
		Body:        body,
		Sender:      sender,
		ScheduledAt: scheduledAt.UTC(),
		Status:      StatusPending,
		HourlyLimit: hourlyLimit,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// SentRecord captures a successful transport handoff for a unit.
type SentRecord struct {
	UnitID    string
	MessageID string
	SentAt    time.Time
}

// HourBucket truncates t to the UTC calendar hour used as the
// rate-limiting window key.
func HourBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

func (u DeliveryUnit) String() string {
	return fmt.Sprintf("unit %s -> %s (%s, due %s)", u.ID, u.Recipient, u.Status, u.ScheduledAt.Format(time.RFC3339))
}
