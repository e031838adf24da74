package store

import (
	"context"
	"errors"
	"time"

	"dripsend/internal/mail"
)

var (
	ErrNotFound = errors.New("unit not found")
	ErrClosed   = errors.New("store closed")

	// ErrConflict means the requested status transition is not permitted by
	// the unit's current state (e.g. completing a unit that is not processing).
	ErrConflict = errors.New("conflicting unit state")
)

// Config configures the sqlite-backed store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// PendingUnit is the slice of a unit the delayed queue needs to rebuild
// its timers after a restart.
type PendingUnit struct {
	ID          string
	ScheduledAt time.Time
}

// Store is the durability contract of the delivery core.
//
// Status transitions are atomic: every mutation carries a WHERE guard on the
// current status, so a lost race surfaces as ErrConflict instead of a
// silent overwrite. That guard is what makes at-least-once redelivery safe.
type Store interface {
	CreateUnit(ctx context.Context, u mail.DeliveryUnit) error
	GetUnit(ctx context.Context, id string) (mail.DeliveryUnit, error)

	// ClaimUnit moves a pending unit to processing, provided its scheduled
	// instant is at or before now. ok=false (with no error) means somebody
	// else holds the unit, it already reached a terminal status, or it is
	// not yet due; the caller must walk away.
	ClaimUnit(ctx context.Context, id string, now time.Time) (u mail.DeliveryUnit, ok bool, err error)

	// MarkCompleted finishes a processing unit.
	MarkCompleted(ctx context.Context, id string, now time.Time) error
	// MarkFailed terminally fails a processing unit with a human-readable detail.
	MarkFailed(ctx context.Context, id string, detail string, attempts int, now time.Time) error
	// ReleaseForRetry puts a processing unit back to pending, recording the
	// attempt count consumed so far and the last error. nextAttempt replaces
	// the unit's scheduled instant so a restart rebuilds the retry delay
	// instead of firing immediately.
	ReleaseForRetry(ctx context.Context, id string, detail string, attempts int, nextAttempt, now time.Time) error

	// RecordSent stores the transport's message identifier. Idempotent:
	// at most one sent record ever exists per unit.
	RecordSent(ctx context.Context, rec mail.SentRecord) error

	// ListUnits pages through units in one status. Ordering: pending and
	// processing by scheduled instant ascending, completed by sent instant
	// descending, failed by last update descending. page starts at 1.
	ListUnits(ctx context.Context, status mail.Status, page, limit int) ([]mail.DeliveryUnit, error)

	// RecoverUnits is the startup scan: it releases every processing unit
	// back to pending (a fresh process holds no live claims) and returns all
	// pending units so the queue can rebuild its timers.
	RecoverUnits(ctx context.Context, now time.Time) ([]PendingUnit, error)

	// ReleaseStale releases processing units whose claim is older than
	// cutoff (crashed or wedged worker) and returns their IDs for re-queueing.
	ReleaseStale(ctx context.Context, cutoff time.Time, now time.Time) ([]string, error)

	// Counts returns the number of units per status.
	Counts(ctx context.Context) (map[mail.Status]int, error)

	Close() error
}
