// Package ledger implements the hourly rate admission ledger: atomic
// counters keyed by (sender, UTC hour bucket).
//
// Failure policy: the delivery pipeline fails OPEN when a ledger is
// unreachable. The in-memory ledger below never errors; the fail-open
// decision lives in the worker pool for any future shared/remote
// implementation.
package ledger

import (
	"sync"
	"time"

	"dripsend/internal/mail"
)

// Ledger answers "may this sender send one more message this hour?".
//
// TryAdmit atomically checks and reserves a slot in the sender's current
// hour bucket: two workers racing for the last slot cannot both pass. A
// reserved slot that ends up unused (transport failed) must be handed back
// via Release so a failed attempt does not burn quota.
type Ledger interface {
	TryAdmit(sender string, limit int) (bool, error)
	Release(sender string) error
}

type key struct {
	sender string
	bucket int64 // unix seconds of the UTC hour
}

// Keyed is the in-memory ledger. Counters for past hours are dropped by
// Prune; their logical lifetime is the remainder of their hour.
type Keyed struct {
	mu     sync.Mutex
	counts map[key]int

	// now is swappable for tests (simulated clock).
	now func() time.Time
}

func New() *Keyed {
	return &Keyed{counts: map[key]int{}, now: time.Now}
}

// NewWithClock builds a ledger on a caller-supplied clock.
func NewWithClock(now func() time.Time) *Keyed {
	if now == nil {
		now = time.Now
	}
	return &Keyed{counts: map[key]int{}, now: now}
}

func (l *Keyed) keyFor(sender string) key {
	return key{sender: sender, bucket: mail.HourBucket(l.now()).Unix()}
}

// TryAdmit reserves one slot for sender in the current hour bucket if the
// count is below limit. limit <= 0 disables rate limiting for the call.
func (l *Keyed) TryAdmit(sender string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	k := l.keyFor(sender)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[k] >= limit {
		return false, nil
	}
	l.counts[k]++
	return true, nil
}

// Release hands back one reserved slot in the sender's current hour bucket.
// The bucket is resolved at call time: a release that straddles an hour
// boundary lands in the new bucket, which at worst under-counts the old one.
func (l *Keyed) Release(sender string) error {
	k := l.keyFor(sender)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[k] > 0 {
		l.counts[k]--
	}
	return nil
}

// Usage reports the admitted count for sender in the current hour bucket.
func (l *Keyed) Usage(sender string) int {
	k := l.keyFor(sender)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[k]
}

// Prune drops counters for hour buckets that have fully elapsed.
func (l *Keyed) Prune() int {
	cur := mail.HourBucket(l.now()).Unix()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k := range l.counts {
		if k.bucket < cur {
			delete(l.counts, k)
			removed++
		}
	}
	return removed
}
