// Package worker executes due delivery units: claim, rate admission,
// transport attempt, status update, bounded retry with backoff.
package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"dripsend/internal/eventbus"
	"dripsend/internal/ledger"
	"dripsend/internal/queue"
	"dripsend/internal/store"
	"dripsend/internal/transport"
	logx "dripsend/pkg/logx"
)

// Config controls the delivery worker pool.
type Config struct {
	Workers int

	// HourlyLimit is the default per-sender admission limit. A unit may
	// carry its own override.
	HourlyLimit int

	// RatePerSec smooths transport calls across all workers (provider burst
	// protection). 0 disables the smoothing limiter; the hourly ledger is
	// unaffected either way.
	RatePerSec int

	// RetryMax is the total number of transport attempts per unit (default 3).
	RetryMax      int
	RetryBase     time.Duration // first retry delay (default 2s), doubling per attempt
	RetryMaxDelay time.Duration // backoff cap (default 1m)
	RetryJitter   float64       // 0.2 = 20%

	// RateRetryDelay is the re-queue delay when the hourly limit blocks a
	// unit. Rate deferrals do not consume the retry budget.
	RateRetryDelay time.Duration

	// SendTimeout bounds a single transport attempt.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.RateRetryDelay <= 0 {
		c.RateRetryDelay = time.Minute
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers   int
	Completed uint64
	Failed    uint64
	Retried   uint64
	Deferred  uint64 // blocked by the hourly rate limit
}

// Pool pulls due units from the queue, bounded by Workers.
type Pool struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	bus   eventbus.Bus
	store store.Store
	queue *queue.DelayedQueue
	led   ledger.Ledger
	trans transport.Transport

	limiter *rate.Limiter

	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// Counters (lifetime) for operator diagnostics.
	completed uint64
	failed    uint64
	retried   uint64
	deferred  uint64

	// now is swappable for tests.
	now func() time.Time
}

func New(cfg Config, st store.Store, q *queue.DelayedQueue, led ledger.Ledger, tr transport.Transport, log logx.Logger, bus eventbus.Bus) *Pool {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		store: st,
		queue: q,
		led:   led,
		trans: tr,
		now:   time.Now,
	}
	if cfg.RatePerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return p
}

// SetClock swaps the pool's clock. Test hook.
func (p *Pool) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	cur := p.cfg
	p.mu.Unlock()
	p.log.Debug("start requested", logx.Int("workers", cur.Workers), logx.Int("retry_max", cur.RetryMax))

	// If a Stop() is in progress, wait for it to complete (prevents double worker pools).
	for {
		p.mu.Lock()
		if p.stopCh == nil {
			break
		}
		done := p.stopDone
		if done == nil {
			// already running
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer p.mu.Unlock()

	p.stopCh = make(chan struct{})
	p.runCtx, p.runCancel = context.WithCancel(ctx)

	runCtx := p.runCtx
	stopCh := p.stopCh

	p.workerWG.Add(cur.Workers)
	for i := 0; i < cur.Workers; i++ {
		idx := i
		go func() {
			defer p.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("panic in delivery worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			p.log.Debug("worker started", logx.Int("worker", idx))
			p.worker(runCtx, stopCh, idx)
			p.log.Debug("worker stopped", logx.Int("worker", idx))
		}()
	}

	p.log.Info("service started", logx.Int("workers", cur.Workers), logx.Int("hourly_limit", cur.HourlyLimit))
}

func (p *Pool) Stop(ctx context.Context) {
	start := time.Now()
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	p.stopDone = done
	stopCh := p.stopCh
	cancel := p.runCancel
	p.runCancel = nil
	p.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		p.workerWG.Wait()
		p.mu.Lock()
		p.stopCh = nil
		p.runCtx = nil
		p.stopDone = nil
		p.mu.Unlock()
		close(done)
		p.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}

func (p *Pool) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case unitID := <-p.queue.C():
			p.execOne(ctx, unitID)
		}
	}
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	workers := p.cfg.Workers
	p.mu.Unlock()
	return Snapshot{
		Workers:   workers,
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Retried:   atomic.LoadUint64(&p.retried),
		Deferred:  atomic.LoadUint64(&p.deferred),
	}
}
