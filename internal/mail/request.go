package mail

import (
	"errors"
	"fmt"
	stdmail "net/mail"
	"strings"
	"time"
)

var (
	ErrNoRecipients       = errors.New("request has no recipients")
	ErrStartNotFuture     = errors.New("start instant must be strictly in the future")
	ErrNegativeDelay      = errors.New("inter-recipient delay must be >= 0")
	ErrDuplicateRecipient = errors.New("duplicate recipient address")
)

// ScheduleRequest describes one bulk send: the same subject and body to an
// ordered list of distinct recipients, the first due at Start and each
// subsequent one Delay later.
//
// The request itself is transient; only the expanded delivery units persist.
type ScheduleRequest struct {
	Subject    string
	Body       string
	Recipients []string
	Start      time.Time     // absolute UTC, strictly future at acceptance
	Delay      time.Duration // >= 0; 0 means all units due simultaneously

	// HourlyLimit overrides the sender's configured hourly limit when > 0.
	HourlyLimit int
}

// Validate checks the request shape against now. It does not create anything.
func (r ScheduleRequest) Validate(now time.Time) error {
	if len(r.Recipients) == 0 {
		return ErrNoRecipients
	}
	if !r.Start.After(now) {
		return fmt.Errorf("%w (start=%s, now=%s)", ErrStartNotFuture, r.Start.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}
	if r.Delay < 0 {
		return ErrNegativeDelay
	}
	seen := make(map[string]struct{}, len(r.Recipients))
	for i, addr := range r.Recipients {
		if err := ValidateAddress(addr); err != nil {
			return fmt.Errorf("recipient %d: %w", i, err)
		}
		key := strings.ToLower(strings.TrimSpace(addr))
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRecipient, addr)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// DueAt returns the scheduled instant of the i-th recipient: Start + i*Delay.
func (r ScheduleRequest) DueAt(i int) time.Time {
	return r.Start.UTC().Add(time.Duration(i) * r.Delay)
}

// ValidateAddress performs basic address-shape validation ("local@domain").
func ValidateAddress(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errors.New("empty address")
	}
	parsed, err := stdmail.ParseAddress(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	// Reject display-name forms; the core deals in bare addresses.
	if parsed.Address != addr {
		return fmt.Errorf("invalid address %q: expected bare address", addr)
	}
	if !strings.Contains(parsed.Address, "@") {
		return fmt.Errorf("invalid address %q: missing domain", addr)
	}
	return nil
}
