// Package app wires configuration, logging, storage, the admission ledger,
// the delayed queue, the dispatcher, and the worker pool into one runnable
// daemon with graceful start/stop.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dripsend/internal/config"
	"dripsend/internal/dispatch"
	"dripsend/internal/eventbus"
	"dripsend/internal/ledger"
	"dripsend/internal/mail"
	"dripsend/internal/queue"
	"dripsend/internal/store"
	"dripsend/internal/transport"
	"dripsend/internal/worker"
	logx "dripsend/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	st   store.Store
	led  *ledger.Keyed
	q    *queue.DelayedQueue
	disp *dispatch.Dispatcher
	pool *worker.Pool
	cr   *cron.Cron

	sender string
	sweep  time.Duration
	lease  time.Duration
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	ds, err := mapDeliverySettings(cfg)
	if err != nil {
		st.Close()
		logSvc.Close()
		return nil, err
	}

	smtpCfg, err := mapSMTPConfig(cfg)
	if err != nil {
		st.Close()
		logSvc.Close()
		return nil, err
	}
	tr, err := transport.NewSMTP(smtpCfg, log.With(logx.String("comp", "smtp")))
	if err != nil {
		st.Close()
		logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	led := ledger.New()
	q := queue.New(ds.queueSize, log.With(logx.String("comp", "queue")))
	disp := dispatch.New(st, q, cfg.Sender.Address, log.With(logx.String("comp", "dispatch")))
	pool := worker.New(ds.pool, st, q, led, tr, log.With(logx.String("comp", "worker")), bus)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		st:      st,
		led:     led,
		q:       q,
		disp:    disp,
		pool:    pool,
		sender:  cfg.Sender.Address,
		sweep:   ds.sweep,
		lease:   ds.lease,
	}, nil
}

// Dispatcher exposes the submission entry point.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }

// Submit forwards a schedule request to the dispatcher.
func (a *App) Submit(ctx context.Context, req mail.ScheduleRequest) (dispatch.Receipt, error) {
	return a.disp.Submit(ctx, req)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	// Startup recovery: every unit left processing by a previous run goes
	// back to pending, and the queue timers are rebuilt from the store.
	recovered, err := a.st.RecoverUnits(a.sup.Context(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	for _, pu := range recovered {
		a.q.Enqueue(pu.ID, pu.ScheduledAt)
	}
	if len(recovered) > 0 {
		a.log.Info("recovered pending units", logx.Int("count", len(recovered)))
	}

	a.q.Start()
	a.pool.Start(a.sup.Context())

	// Maintenance schedules: drop closed ledger hour buckets on the hour,
	// reconcile the store and the queue every sweep interval.
	a.cr = cron.New()
	if _, err := a.cr.AddFunc("0 * * * *", a.pruneLedger); err != nil {
		return fmt.Errorf("cron prune: %w", err)
	}
	if _, err := a.cr.AddFunc(fmt.Sprintf("@every %s", a.sweep), a.runSweep); err != nil {
		return fmt.Errorf("cron sweep: %w", err)
	}
	a.cr.Start()

	// Lifecycle events at debug; the periodic summary is the operator view.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if ue, ok := e.Data.(eventbus.UnitEvent); ok {
					a.log.Debug("event",
						logx.String("type", e.Type),
						logx.String("unit", ue.UnitID),
						logx.Int("attempts", ue.Attempts))
				} else {
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})

	a.sup.Go0("summary", func(c context.Context) { a.summaryLoop(c) })

	// hot reload: only the logging block applies live; everything else is
	// start-time only.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(mapLoggingConfig(newCfg))
				if last != nil && !sameSection(last.Logging, newCfg.Logging) {
					a.log.Info("logging config reloaded")
				}
				if last != nil && (!sameSection(last.Storage, newCfg.Storage) ||
					!sameSection(last.Sender, newCfg.Sender) ||
					!sameSection(last.Delivery, newCfg.Delivery) ||
					!sameSection(last.SMTP, newCfg.SMTP)) {
					a.log.Warn("delivery/storage/smtp config changed; restart required for changes to take effect")
				}
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// Best-effort; a no-op outside systemd.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	a.log.Info("app started",
		logx.String("sender", a.sender),
		logx.Int("queued", a.q.Len()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.sup.Cancel()

	if a.cr != nil {
		crCtx := a.cr.Stop()
		select {
		case <-crCtx.Done():
		case <-ctx.Done():
			a.log.Warn("cron jobs still running at shutdown deadline")
		}
	}

	a.pool.Stop(ctx)
	a.q.Stop()

	if err := a.sup.Wait(ctx); err != nil && ctx.Err() == nil {
		a.log.Warn("background goroutine error at shutdown", logx.Err(err))
	}

	if err := a.st.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

func (a *App) pruneLedger() {
	if n := a.led.Prune(); n > 0 {
		a.log.Debug("ledger buckets pruned", logx.Int("buckets", n))
	}
}

// runSweep reconciles the store with the in-memory queue: stale processing
// claims are released and re-offered, and pending units overdue by more than
// one sweep interval are re-offered in case their original offer was lost.
// Duplicate offers are harmless; the claim guard rejects them.
func (a *App) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	ids, err := a.st.ReleaseStale(ctx, now.Add(-a.lease), now)
	if err != nil {
		a.log.Error("stale claim sweep failed", logx.Err(err))
	} else {
		for _, id := range ids {
			a.q.Enqueue(id, now)
		}
		if len(ids) > 0 {
			a.log.Warn("released stale processing claims", logx.Int("count", len(ids)))
		}
	}

	overdue := now.Add(-a.sweep)
	units, err := a.st.ListUnits(ctx, mail.StatusPending, 1, 200)
	if err != nil {
		a.log.Error("pending sweep failed", logx.Err(err))
		return
	}
	reoffered := 0
	for _, u := range units {
		if u.ScheduledAt.Before(overdue) {
			a.q.Enqueue(u.ID, now)
			reoffered++
		}
	}
	if reoffered > 0 {
		a.log.Debug("re-offered overdue pending units", logx.Int("count", reoffered))
	}
}

func (a *App) summaryLoop(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			counts, err := a.st.Counts(cctx)
			cancel()
			if err != nil {
				a.log.Warn("status summary failed", logx.Err(err))
				continue
			}
			snap := a.pool.Snapshot()
			a.log.Info("delivery status",
				logx.Int("pending", counts[mail.StatusPending]),
				logx.Int("processing", counts[mail.StatusProcessing]),
				logx.Int("completed", counts[mail.StatusCompleted]),
				logx.Int("failed", counts[mail.StatusFailed]),
				logx.Int("queue_depth", a.q.Len()),
				logx.Int("hour_usage", a.led.Usage(a.sender)),
				logx.Uint64("lifetime_completed", snap.Completed),
				logx.Uint64("lifetime_failed", snap.Failed))
		}
	}
}

func sameSection(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return string(ab) == string(bb)
}
