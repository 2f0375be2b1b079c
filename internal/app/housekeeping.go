package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dailytrack/internal/config"
	"dailytrack/internal/schedule"
	"dailytrack/internal/storage"
	logx "dailytrack/pkg/logx"
)

const (
	jobSweep     = "assets.sweep"
	jobPrune     = "history.prune"
	jobReconcile = "schedules.reconcile"
)

// registerHousekeeping (re)adds the periodic jobs. AddSchedule replaces jobs
// with the same name, so it also serves hot reload.
func (a *App) registerHousekeeping(cfg *config.Config) error {
	hk := mapHousekeeping(cfg)
	keep := hk.PruneKeep
	var errs []error
	add := func(name, spec string, timeout time.Duration, job func(context.Context) error) {
		if err := a.sched.AddSchedule(name, spec, timeout, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	add(jobSweep, hk.Sweep, 5*time.Minute, func(ctx context.Context) error {
		res, err := a.pipe.cache.Sweep(ctx)
		if res.Removed > 0 || res.Orphans > 0 || res.Failed > 0 {
			a.log.Info("asset sweep", logx.Int("removed", res.Removed),
				logx.Int("orphans", res.Orphans), logx.Int("failed", res.Failed))
		}
		return err
	})
	add(jobPrune, hk.Prune, 2*time.Minute, func(ctx context.Context) error {
		n, err := a.store.PruneDeliveries(ctx, keep)
		if n > 0 {
			a.log.Info("delivery history pruned", logx.Int("removed", n), logx.Int("keep_per_user", keep))
		}
		return err
	})
	add(jobReconcile, hk.Reconcile, time.Minute, func(ctx context.Context) error {
		return reconcileSchedules(ctx, a.store, a.reg, a.log)
	})
	return errors.Join(errs...)
}

// reconcileSchedules brings the registry in line with the stored profiles:
// edits made by another process are armed, vanished users are disarmed.
func reconcileSchedules(ctx context.Context, store storage.Store, reg *schedule.Registry, log logx.Logger) error {
	profiles, err := store.ListProfiles(ctx)
	if err != nil {
		return err
	}
	seen := make(map[int64]bool, len(profiles))
	for _, p := range profiles {
		seen[p.UserID] = true
		if err := reg.Apply(entryFor(p), fireBaseline(p)); err != nil {
			log.Warn("schedule reconcile failed", logx.UserID(p.UserID), logx.Err(err))
		}
	}
	for _, e := range reg.Entries() {
		if !seen[e.UserID] {
			reg.Remove(e.UserID)
			log.Info("schedule dropped; profile gone", logx.UserID(e.UserID))
		}
	}
	return nil
}
