package worker

import (
	"context"
	"sync/atomic"
	"time"

	"dripsend/internal/eventbus"
	"dripsend/internal/mail"
	logx "dripsend/pkg/logx"
)

// execOne runs the full per-unit contract: claim, admit, send, record.
// Every store mutation after the claim goes through withStoreRetry.
func (p *Pool) execOne(ctx context.Context, unitID string) {
	start := p.now()

	u, ok, err := p.store.ClaimUnit(ctx, unitID, start)
	if err != nil {
		// Leave the unit alone; the reconciliation sweep will re-offer it.
		p.log.Error("claim failed", logx.String("unit", unitID), logx.Err(err))
		return
	}
	if !ok {
		// Already claimed elsewhere, already terminal, or not yet due.
		p.log.Debug("stale delivery ignored", logx.String("unit", unitID))
		return
	}

	p.publish(eventbus.TypeUnitClaimed, u, 0, "")

	limit := p.cfg.HourlyLimit
	if u.HourlyLimit > 0 {
		limit = u.HourlyLimit
	}

	allowed, err := p.led.TryAdmit(u.Sender, limit)
	// A slot is only held when the ledger actually answered; a fail-open
	// send has nothing to hand back on failure.
	admitted := err == nil && allowed
	if err != nil {
		// Ledger errors fail open; the send proceeds unthrottled.
		p.log.Warn("rate ledger unreachable; failing open", logx.String("unit", u.ID), logx.Err(err))
		allowed = true
	}
	if !allowed {
		p.deferForRate(ctx, u)
		return
	}

	// Smoothing limiter sits after admission so a blocked unit never waits
	// on transport pacing.
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			if admitted {
				_ = p.led.Release(u.Sender)
			}
			p.requeueRetryable(ctx, u, u.Attempts, err.Error())
			return
		}
	}

	attempts := u.Attempts + 1
	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	messageID, sendErr := p.trans.Send(sendCtx, u.Recipient, u.Subject, u.Body)
	cancel()

	now := p.now()
	if sendErr == nil {
		// Admission stays recorded: the slot was consumed by a real send.
		p.withStoreRetry(ctx, "record sent", func(c context.Context) error {
			return p.store.RecordSent(c, mail.SentRecord{UnitID: u.ID, MessageID: messageID, SentAt: now})
		})
		p.withStoreRetry(ctx, "mark completed", func(c context.Context) error {
			return p.store.MarkCompleted(c, u.ID, now)
		})
		atomic.AddUint64(&p.completed, 1)
		p.publish(eventbus.TypeUnitCompleted, u, attempts, "")
		p.log.Info("unit delivered",
			logx.String("unit", u.ID),
			logx.String("recipient", u.Recipient),
			logx.String("message_id", messageID),
			logx.Int("attempts", attempts),
			logx.Duration("took", time.Since(start)))
		return
	}

	// The reserved slot was not used; hand it back so a failed attempt does
	// not burn hourly quota.
	if admitted {
		_ = p.led.Release(u.Sender)
	}

	detail := sendErr.Error()
	if attempts >= p.cfg.RetryMax {
		p.withStoreRetry(ctx, "mark failed", func(c context.Context) error {
			return p.store.MarkFailed(c, u.ID, detail, attempts, now)
		})
		atomic.AddUint64(&p.failed, 1)
		p.publish(eventbus.TypeUnitFailed, u, attempts, detail)
		p.log.Warn("unit failed terminally",
			logx.String("unit", u.ID),
			logx.String("recipient", u.Recipient),
			logx.Int("attempts", attempts),
			logx.Err(sendErr))
		return
	}

	p.requeueRetryable(ctx, u, attempts, detail)
}

// deferForRate re-queues a unit blocked by the hourly limit. The retry
// budget is untouched: the unit keeps coming back until the next hour
// bucket opens a slot.
func (p *Pool) deferForRate(ctx context.Context, u mail.DeliveryUnit) {
	now := p.now()
	readyAt := now.Add(p.cfg.RateRetryDelay)
	p.withStoreRetry(ctx, "release for rate", func(c context.Context) error {
		return p.store.ReleaseForRetry(c, u.ID, "rate limit exceeded", u.Attempts, readyAt, now)
	})
	p.queue.Enqueue(u.ID, readyAt)
	atomic.AddUint64(&p.deferred, 1)
	p.publish(eventbus.TypeUnitDeferred, u, u.Attempts, "rate limit exceeded")
	p.log.Info("unit deferred by rate limit",
		logx.String("unit", u.ID),
		logx.String("sender", u.Sender),
		logx.Time("ready_at", readyAt))
}

// requeueRetryable puts a unit back to pending with an exponential backoff
// delay after a retryable transport failure.
func (p *Pool) requeueRetryable(ctx context.Context, u mail.DeliveryUnit, attempts int, detail string) {
	now := p.now()
	delay := p.backoffDelay(attempts)
	readyAt := now.Add(delay)
	p.withStoreRetry(ctx, "release for retry", func(c context.Context) error {
		return p.store.ReleaseForRetry(c, u.ID, detail, attempts, readyAt, now)
	})
	p.queue.Enqueue(u.ID, readyAt)
	atomic.AddUint64(&p.retried, 1)
	p.publish(eventbus.TypeUnitRetried, u, attempts, detail)
	p.log.Debug("unit retry scheduled",
		logx.String("unit", u.ID),
		logx.Int("attempt", attempts+1),
		logx.Duration("delay", delay),
		logx.String("err", detail))
}

// withStoreRetry retries a store mutation a few times before giving up.
// A lost update means the store and the queue disagree until the next
// reconciliation sweep, so the final failure is logged at error level.
func (p *Pool) withStoreRetry(ctx context.Context, op string, fn func(ctx context.Context) error) {
	var err error
	for i := 0; i < 3; i++ {
		if err = fn(ctx); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			p.log.Error("store update aborted", logx.String("op", op), logx.Err(err))
			return
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	p.log.Error("store update lost after retries", logx.String("op", op), logx.Err(err))
}

func (p *Pool) publish(typ string, u mail.DeliveryUnit, attempts int, detail string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Type: typ, Time: p.now(), Data: eventbus.UnitEvent{
		UnitID:    u.ID,
		Recipient: u.Recipient,
		Sender:    u.Sender,
		Attempts:  attempts,
		Error:     detail,
	}})
}
