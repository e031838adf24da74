// Package transport hands a finished email to the outside world.
//
// A Transport performs exactly one delivery attempt; retry is the worker
// pool's responsibility.
package transport

import (
	"context"
	"fmt"
)

// Transport is the delivery capability consumed by the worker pool.
type Transport interface {
	// Send makes one attempt to deliver the message and returns the
	// transport-level message identifier.
	Send(ctx context.Context, recipient, subject, body string) (messageID string, err error)
}

// Error is a failed delivery attempt with a human-readable message.
type Error struct {
	Stage string // dial, starttls, auth, mail, rcpt, data, ...
	Err   error
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func stageErr(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Stage: stage, Err: err}
}
