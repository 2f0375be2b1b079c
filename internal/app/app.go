package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dailytrack/internal/config"
	"dailytrack/internal/delivery"
	"dailytrack/internal/eventbus"
	"dailytrack/internal/observability/ops"
	rtsup "dailytrack/internal/runtime/supervisor"
	"dailytrack/internal/schedule"
	"dailytrack/internal/storage"
	"dailytrack/internal/task/engine"
	"dailytrack/internal/task/scheduler"
	"dailytrack/internal/transport"
	logx "dailytrack/pkg/logx"
)

// App is the daemon: daily timers feeding deliveries through the task engine,
// plus housekeeping jobs, the ops server and config hot reload.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	gw    transport.Gateway

	engine *engine.Service
	sched  *scheduler.Service
	reg    *schedule.Registry
	pipe   *pipeline
	ops    *ops.Server
}

// Options replace collaborators (tests). Zero values build the real ones.
type Options struct {
	Gateway transport.Gateway
	Store   storage.Store
}

func NewApp(cfgPath string) (*App, error) {
	return NewAppWith(cfgPath, Options{})
}

func NewAppWith(cfgPath string, o Options) (*App, error) {
	cfgm, cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	logSvc, log, err := newLogging(cfg)
	if err != nil {
		return nil, err
	}
	a, err := build(cfgm, cfg, logSvc, log, o)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgm *config.ConfigManager, cfg *config.Config, logSvc *logx.Service, log logx.Logger, o Options) (*App, error) {
	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
	}

	a.gw = o.Gateway
	if a.gw == nil {
		gw, err := newGateway(cfg, log)
		if err != nil {
			return nil, err
		}
		a.gw = gw
	}
	logSvc.SetSender(a.gw)

	a.store = o.Store
	if a.store == nil {
		st, err := openStore(cfg, log)
		if err != nil {
			return nil, err
		}
		a.store = st
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, a.closeStore(err)
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "engine")), a.bus)

	hk := mapHousekeeping(cfg)
	a.sched = scheduler.New(scheduler.Config{Enabled: true, Timezone: hk.Timezone},
		a.engine, log.With(logx.String("comp", "housekeeping")), a.bus)

	schedOpts, err := mapScheduleOptions(cfg)
	if err != nil {
		return nil, a.closeStore(err)
	}
	schedOpts = append(schedOpts,
		schedule.WithLogger(log.With(logx.String("comp", "registry"))),
		schedule.WithBus(a.bus),
	)
	a.reg = schedule.New(a.onFire, schedOpts...)

	a.pipe, err = newPipeline(cfg, log, a.bus, a.store, a.gw, a.reg)
	if err != nil {
		return nil, a.closeStore(err)
	}

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, a.closeStore(err)
	}
	a.ops = ops.New(opsCfg, a.health, log.With(logx.String("comp", "ops")))
	return a, nil
}

func (a *App) closeStore(cause error) error {
	if a.store != nil {
		_ = a.store.Close()
	}
	return cause
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Registry exposes the daily timers (tests, diagnostics).
func (a *App) Registry() *schedule.Registry { return a.reg }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.engine.Start(a.sup.Context())
	if err := a.registerHousekeeping(a.cfgm.Get()); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())
	a.ops.Start(a.sup.Context())

	rctx, cancel := context.WithTimeout(a.sup.Context(), 30*time.Second)
	armed, err := restoreSchedules(rctx, a.store, a.reg, a.log)
	cancel()
	if err != nil {
		return fmt.Errorf("restore schedules: %w", err)
	}
	a.log.Info("schedules restored", logx.Int("armed", armed))

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	a.log.Info("app started")
	return nil
}

// onFire hands one occurrence to the engine. It runs on the timer goroutine.
func (a *App) onFire(userID int64, occ time.Time) {
	err := a.engine.Enqueue(engine.Task{
		Name:           "deliver",
		ConcurrencyKey: userKey(userID),
		Run: func(ctx context.Context) error {
			_, err := a.pipe.coord.Deliver(ctx, userID, delivery.TriggerSchedule, occ)
			return err
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		a.log.Info("delivery still running; occurrence skipped", logx.UserID(userID), logx.Time("occurrence", occ))
	default:
		a.log.Warn("delivery not queued", logx.UserID(userID), logx.Time("occurrence", occ), logx.Err(err))
	}
}

// DeliverNow queues a manual delivery for userID and waits for it.
func (a *App) DeliverNow(ctx context.Context, userID int64) (delivery.Report, error) {
	var rep delivery.Report
	done := make(chan error, 1)
	err := a.engine.Submit(ctx, engine.Task{
		Name:           "deliver.manual",
		ConcurrencyKey: userKey(userID),
		Run: func(c context.Context) error {
			var err error
			rep, err = a.pipe.coord.Deliver(c, userID, delivery.TriggerManual, time.Time{})
			done <- err
			return err
		},
	})
	if err != nil {
		return rep, err
	}
	select {
	case err := <-done:
		return rep, err
	case <-ctx.Done():
		return delivery.Report{UserID: userID, Trigger: delivery.TriggerManual}, ctx.Err()
	}
}

func userKey(userID int64) string { return fmt.Sprintf("user:%d", userID) }

func (a *App) health() (map[string]any, error) {
	es := a.engine.Snapshot()
	info := map[string]any{
		"schedules_armed": a.reg.Armed(),
		"engine": map[string]any{
			"workers":   es.Workers,
			"queue_len": es.QueueLen,
			"in_flight": es.InFlight,
			"dropped":   es.Dropped,
			"skipped":   es.Skipped,
		},
		"sources":      a.pipe.chain.Providers(),
		"housekeeping": a.housekeepingInfo(),
	}
	if a.sup != nil {
		info["supervisor"] = a.sup.Counters()
	}
	var errs []error
	if a.sup != nil && a.sup.Err() != nil {
		errs = append(errs, a.sup.Err())
	}
	if !es.Enabled {
		errs = append(errs, errors.New("task engine disabled"))
	}
	return info, errors.Join(errs...)
}

func (a *App) housekeepingInfo() map[string]any {
	snap := a.sched.Snapshot()
	jobs := make(map[string]any, len(snap.Schedules))
	for _, j := range snap.Schedules {
		jobs[j.Name] = map[string]any{"spec": j.Spec, "next": j.Next, "prev": j.Prev}
	}
	return jobs
}

// Stop shuts components down in reverse dependency order. Each step is bounded.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.closeStore(nil)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "registry", time.Second, func(context.Context) error { a.reg.Stop(); return nil })
	a.step(ctx, "housekeeping", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "engine", 10*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn with an upper bound that never extends the caller's deadline.
// A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; deadline passed", logx.String("name", name))
		return
	}
	sctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(sctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-sctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
