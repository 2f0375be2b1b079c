package app

import (
	"context"
	"strings"

	"dailytrack/internal/config"
	"dailytrack/internal/task/scheduler"
	logx "dailytrack/pkg/logx"
)

// reloadLoop applies hot-reloaded config. Sections that cannot change live are
// reported and left as they were.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
		coalesce:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					break coalesce
				}
			}
			a.applyConfig(c, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	var pending []string
	for _, s := range sections {
		if config.RequiresRestart(s) {
			pending = append(pending, s)
		}
	}
	if len(pending) > 0 {
		a.log.Warn("restart required for some config changes", logx.String("sections", strings.Join(pending, ",")))
	}

	if lc, target, err := mapLogConfig(cfg); err != nil {
		a.log.Warn("invalid logging config; keeping previous", logx.Err(err))
	} else {
		a.logs.SetChatTarget(target)
		a.logs.Apply(lc)
	}

	if oc, err := mapOpsConfig(cfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Apply(ctx, oc)
	}

	hk := mapHousekeeping(cfg)
	a.sched.Apply(scheduler.Config{Enabled: true, Timezone: hk.Timezone})
	if err := a.registerHousekeeping(cfg); err != nil {
		a.log.Warn("housekeeping schedules not fully applied", logx.Err(err))
	}

	if err := a.pipe.selector.SetWindow(selectionWindow(cfg)); err != nil {
		a.log.Warn("selection window not applied", logx.Err(err))
	}
	a.pipe.coord.SetDefaultGenres(cfg.Selection.DefaultGenres)
	if ss, err := mapSourcesConfig(cfg); err == nil {
		a.pipe.cache.SetRetention(ss.Retention)
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}
