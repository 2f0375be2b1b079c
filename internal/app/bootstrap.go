package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"

	"dailytrack/internal/assetcache"
	"dailytrack/internal/catalog/spotify"
	"dailytrack/internal/config"
	"dailytrack/internal/delivery"
	"dailytrack/internal/eventbus"
	"dailytrack/internal/lyrics"
	"dailytrack/internal/schedule"
	"dailytrack/internal/selector"
	"dailytrack/internal/source"
	"dailytrack/internal/storage"
	"dailytrack/internal/task/scheduler"
	"dailytrack/internal/transport"
	"dailytrack/internal/transport/telegram"
	logx "dailytrack/pkg/logx"
)

// LoadConfig parses and validates the config file.
func LoadConfig(path string) (*config.ConfigManager, *config.Config, error) {
	cfgm := config.NewConfigManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfgm, cfg, nil
}

// validateConfig runs the struct checks plus everything the mappers reject,
// so a hot reload is refused before anything is applied.
func validateConfig(cfg *config.Config) error {
	errs := []error{config.Validate(cfg)}
	hk := mapHousekeeping(cfg)
	for name, spec := range map[string]string{
		"housekeeping.sweep":     hk.Sweep,
		"housekeeping.prune":     hk.Prune,
		"housekeeping.reconcile": hk.Reconcile,
	} {
		if err := scheduler.Validate(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapLogConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapScheduleOptions(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapSourcesConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if err := checkDeliveryBudget(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := schedule.LoadZone(defaultTimezone(cfg)); err != nil {
		errs = append(errs, fmt.Errorf("schedule.default_timezone: %w", err))
	}
	return errors.Join(errs...)
}

// checkDeliveryBudget rejects source chains that could use up the whole
// delivery timeout, leaving no time to send the text fallback.
func checkDeliveryBudget(cfg *config.Config) error {
	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return nil // reported by mapEngineConfig
	}
	sc, err := mapSourcesConfig(cfg)
	if err != nil {
		return nil // reported by mapSourcesConfig
	}
	var chain time.Duration
	for _, p := range sc.Chain {
		chain += p.Timeout
	}
	if limit := ec.DefaultTimeout - delivery.DefaultSendReserve; chain > limit {
		return fmt.Errorf("sources.chain: provider timeouts add up to %s, over the %s left of engine.default_timeout %s after the %s send reserve",
			chain, max(limit, 0), ec.DefaultTimeout, delivery.DefaultSendReserve)
	}
	return nil
}

// newLogging creates the log service. The chat sink gets its sender later.
func newLogging(cfg *config.Config) (*logx.Service, logx.Logger, error) {
	lc, target, err := mapLogConfig(cfg)
	if err != nil {
		return nil, logx.Logger{}, err
	}
	// Chat forwarding is enabled only once the target is known.
	enabled := lc.Chat.Enabled
	lc.Chat.Enabled = false
	svc, log := logx.New(lc, nil)
	svc.SetChatTarget(target)
	if enabled {
		lc.Chat.Enabled = true
		svc.Apply(lc)
	}
	return svc, log, nil
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return st, nil
}

func newGateway(cfg *config.Config, log logx.Logger) (*telegram.Gateway, error) {
	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	return telegram.New(tc, log.With(logx.String("comp", "telegram")))
}

func newCache(cfg *config.Config, store storage.Store, log logx.Logger, bus eventbus.Bus) (*assetcache.Cache, sourcesSettings, error) {
	ss, err := mapSourcesConfig(cfg)
	if err != nil {
		return nil, sourcesSettings{}, err
	}
	cache, err := assetcache.New(afero.NewOsFs(), ss.Dir, store,
		assetcache.WithLogger(log.With(logx.String("comp", "assetcache"))),
		assetcache.WithBus(bus),
		assetcache.WithLimits(ss.Limits),
		assetcache.WithRetention(ss.Retention),
	)
	if err != nil {
		return nil, sourcesSettings{}, err
	}
	return cache, ss, nil
}

func newProviders(ss sourcesSettings, fs afero.Fs) ([]source.Provider, error) {
	out := make([]source.Provider, 0, len(ss.Chain))
	for _, p := range ss.Chain {
		switch p.Name {
		case "ytdlp":
			out = append(out, &source.YTDLP{Binary: p.Binary, AttemptTimeout: p.Timeout})
		case "spotdl":
			out = append(out, &source.SpotDL{Binary: p.Binary, AttemptTimeout: p.Timeout})
		case "preview":
			out = append(out, source.NewPreview(fs, ss.Limits.MaxBytes, p.Timeout))
		default:
			return nil, fmt.Errorf("unknown provider %q", p.Name)
		}
	}
	return out, nil
}

// pipeline is everything one delivery needs. The daemon and the one-shot
// commands build the same one.
type pipeline struct {
	cache    *assetcache.Cache
	chain    *source.Chain
	selector *selector.Selector
	coord    *delivery.Coordinator
}

func newPipeline(cfg *config.Config, log logx.Logger, bus eventbus.Bus, store storage.Store, gw transport.Gateway, unsched delivery.Unscheduler) (*pipeline, error) {
	cache, ss, err := newCache(cfg, store, log, bus)
	if err != nil {
		return nil, err
	}
	providers, err := newProviders(ss, cache.Fs())
	if err != nil {
		return nil, err
	}
	chain, err := source.NewChain(cache, providers,
		source.WithLogger(log.With(logx.String("comp", "source"))),
		source.WithBus(bus),
		source.WithTimeout(ss.Timeout),
		source.WithBreaker(ss.Breaker),
	)
	if err != nil {
		return nil, err
	}

	cc, err := mapCatalogConfig(cfg)
	if err != nil {
		return nil, err
	}
	cat, err := spotify.New(cc, log.With(logx.String("comp", "catalog")))
	if err != nil {
		return nil, err
	}
	sel := selector.New(cat, store,
		selector.WithLogger(log.With(logx.String("comp", "selector"))),
		selector.WithWindow(selectionWindow(cfg)),
	)

	deps := delivery.Deps{
		Store:    store,
		Selector: sel,
		Resolver: chain,
		Gateway:  gw,
		Schedule: unsched,
	}
	ls, err := mapLyricsConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts := []delivery.Option{
		delivery.WithLogger(log.With(logx.String("comp", "delivery"))),
		delivery.WithBus(bus),
		delivery.WithDefaultGenres(cfg.Selection.DefaultGenres),
	}
	if ls.Enabled {
		deps.Lyrics = lyrics.New(ls.BaseURL, ls.Timeout)
		opts = append(opts, delivery.WithLyricsTimeout(ls.Timeout))
	}
	coord, err := delivery.New(deps, opts...)
	if err != nil {
		return nil, err
	}
	return &pipeline{cache: cache, chain: chain, selector: sel, coord: coord}, nil
}

// restoreSchedules arms every scheduled profile. Missed occurrences inside the
// grace window fire through reg's callback.
func restoreSchedules(ctx context.Context, store storage.Store, reg *schedule.Registry, log logx.Logger) (int, error) {
	profiles, err := store.ListProfiles(ctx)
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, p := range profiles {
		e := entryFor(p)
		if err := reg.Restore(e, fireBaseline(p)); err != nil {
			log.Warn("schedule restore failed", logx.UserID(p.UserID), logx.Err(err))
			continue
		}
		if e.Enabled {
			armed++
		}
	}
	return armed, nil
}

// fireBaseline is the instant after which a missed occurrence counts as
// owed: the last fire, or the last settings change when that is later.
func fireBaseline(p storage.Profile) time.Time {
	if p.UpdatedAt.After(p.LastFiredAt) {
		return p.UpdatedAt
	}
	return p.LastFiredAt
}

func entryFor(p storage.Profile) schedule.Entry {
	return schedule.Entry{
		UserID:   p.UserID,
		Hour:     p.SendHour,
		Minute:   p.SendMinute,
		Timezone: p.Timezone,
		Enabled:  p.Scheduled(),
	}
}
