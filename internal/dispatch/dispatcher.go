// Package dispatch turns one schedule request into independently-delayed
// delivery units: store write first, then queue enqueue, per recipient in
// input order.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"dripsend/internal/mail"
	"dripsend/internal/queue"
	"dripsend/internal/store"
	logx "dripsend/pkg/logx"
)

// Receipt is the synchronous answer to a submitted request. Individual
// delivery outcomes are observed later through the store, never here.
type Receipt struct {
	Accepted int
	UnitIDs  []string

	// Orphaned lists units that were already created (and enqueued) before a
	// later store write in the same batch failed. They are not rolled back;
	// the operator decides whether to let them deliver.
	Orphaned []string
}

type Dispatcher struct {
	store store.Store
	queue *queue.DelayedQueue
	log   logx.Logger

	sender string

	// now is swappable for tests.
	now func() time.Time
}

func New(st store.Store, q *queue.DelayedQueue, sender string, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{store: st, queue: q, sender: sender, log: log, now: time.Now}
}

// SetClock swaps the dispatcher's clock. Test hook.
func (d *Dispatcher) SetClock(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

// Submit validates the request and expands it into len(Recipients) pending
// units with scheduled instants Start + i*Delay, preserving input order.
//
// Validation failures create nothing. A store failure mid-batch aborts the
// rest of the batch; units created before the failure stay enqueued and are
// reported in the receipt as orphaned.
func (d *Dispatcher) Submit(ctx context.Context, req mail.ScheduleRequest) (Receipt, error) {
	now := d.now()
	if err := req.Validate(now); err != nil {
		return Receipt{}, fmt.Errorf("invalid schedule request: %w", err)
	}

	rec := Receipt{UnitIDs: make([]string, 0, len(req.Recipients))}
	for i, recipient := range req.Recipients {
		due := req.DueAt(i)
		u := mail.NewUnit(recipient, req.Subject, req.Body, d.sender, due, req.HourlyLimit)

		if err := d.store.CreateUnit(ctx, u); err != nil {
			rec.Orphaned = rec.UnitIDs
			d.log.Error("store write failed mid-batch",
				logx.Int("created", len(rec.UnitIDs)),
				logx.Int("remaining", len(req.Recipients)-i),
				logx.Err(err))
			return rec, fmt.Errorf("create unit for %s: %w", recipient, err)
		}
		d.queue.Enqueue(u.ID, due)
		rec.UnitIDs = append(rec.UnitIDs, u.ID)
		rec.Accepted++
	}

	d.log.Info("request accepted",
		logx.Int("units", rec.Accepted),
		logx.Time("start", req.Start),
		logx.Duration("delay", req.Delay))
	return rec, nil
}
