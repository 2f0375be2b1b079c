package app

import (
	"fmt"
	"strings"
	"time"

	"dailytrack/internal/assetcache"
	"dailytrack/internal/catalog/spotify"
	"dailytrack/internal/config"
	"dailytrack/internal/observability/ops"
	"dailytrack/internal/schedule"
	"dailytrack/internal/selector"
	"dailytrack/internal/source"
	"dailytrack/internal/storage"
	"dailytrack/internal/task/engine"
	"dailytrack/internal/transport"
	"dailytrack/internal/transport/telegram"
	logx "dailytrack/pkg/logx"
)

const (
	defaultStoragePath = "./data/dailytrack.db"
	defaultCacheDir    = "./data/cache"
	defaultSweep       = "every:30m"
	defaultPrune       = "0 4 * * *"
	defaultPruneKeep   = 1000
	defaultReconcile   = "every:5m"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = defaultStoragePath
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	switch driver {
	case "file", "sqlite":
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) (logx.Config, transport.Destination, error) {
	lc := cfg.Logging
	out := logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
	if !lc.Console && !lc.File.Enabled {
		// Never run silent.
		out.Console = true
	}
	var to transport.Destination
	if raw := strings.TrimSpace(cfg.Telegram.LogChat); raw != "" {
		d, err := transport.ParseDestination(raw)
		if err != nil {
			return logx.Config{}, transport.Destination{}, fmt.Errorf("telegram.log_chat: %w", err)
		}
		d.ThreadID = lc.Chat.ThreadID
		to = d
	}
	return out, to, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 60*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		SendTimeout: timeout,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	timeout, err := config.ParseDurationOrDefault("engine.default_timeout", ec.DefaultTimeout, 2*time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("engine.max_queue_delay", ec.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        true,
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: timeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    ec.HistorySize,
	}, nil
}

func mapScheduleOptions(cfg *config.Config) ([]schedule.Option, error) {
	grace, err := config.ParseDurationOrDefault("schedule.misfire_grace", cfg.Schedule.MisfireGrace, time.Hour)
	if err != nil {
		return nil, err
	}
	maxSleep, err := config.ParseDurationOrDefault("schedule.max_sleep", cfg.Schedule.MaxSleep, time.Minute)
	if err != nil {
		return nil, err
	}
	return []schedule.Option{schedule.WithMisfireGrace(grace), schedule.WithMaxSleep(maxSleep)}, nil
}

// defaultTimezone is the zone for profiles created without one.
func defaultTimezone(cfg *config.Config) string {
	if tz := strings.TrimSpace(cfg.Schedule.DefaultTimezone); tz != "" {
		return tz
	}
	return storage.DefaultTimezone
}

type housekeeping struct {
	Timezone  string
	Sweep     string
	Prune     string
	PruneKeep int
	Reconcile string
}

func mapHousekeeping(cfg *config.Config) housekeeping {
	hc := cfg.Housekeeping
	or := func(v, def string) string {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return def
	}
	keep := hc.PruneKeep
	if keep <= 0 {
		keep = defaultPruneKeep
	}
	return housekeeping{
		Timezone:  or(hc.Timezone, "UTC"),
		Sweep:     or(hc.Sweep, defaultSweep),
		Prune:     or(hc.Prune, defaultPrune),
		PruneKeep: keep,
		Reconcile: or(hc.Reconcile, defaultReconcile),
	}
}

func mapCatalogConfig(cfg *config.Config) (spotify.Config, error) {
	cc := cfg.Catalog
	timeout, err := config.ParseDurationOrDefault("catalog.timeout", cc.Timeout, 15*time.Second)
	if err != nil {
		return spotify.Config{}, err
	}
	return spotify.Config{
		ClientID:     cc.ClientID,
		ClientSecret: cc.ClientSecret,
		Market:       cc.Market,
		APIBase:      cc.APIBase,
		AuthURL:      cc.AuthURL,
		Timeout:      timeout,
		RatePerSec:   float64(cc.RatePerSec),
	}, nil
}

type lyricsSettings struct {
	Enabled bool
	BaseURL string
	Timeout time.Duration
}

func mapLyricsConfig(cfg *config.Config) (lyricsSettings, error) {
	timeout, err := config.ParseDurationOrDefault("lyrics.timeout", cfg.Lyrics.Timeout, 10*time.Second)
	if err != nil {
		return lyricsSettings{}, err
	}
	return lyricsSettings{Enabled: cfg.Lyrics.Enabled, BaseURL: cfg.Lyrics.BaseURL, Timeout: timeout}, nil
}

type sourcesSettings struct {
	Dir       string
	Retention time.Duration
	Limits    assetcache.Limits
	Timeout   time.Duration
	Breaker   source.BreakerConfig
	Chain     []providerSettings
}

type providerSettings struct {
	Name    string
	Timeout time.Duration
	Binary  string
}

// defaultProviderTimeout bounds one provider attempt when neither the provider
// nor sources.timeout sets one.
const defaultProviderTimeout = 25 * time.Second

// defaultChain is used when sources.chain is empty.
var defaultChain = []config.ProviderConfig{
	{Name: "ytdlp", Enabled: true},
	{Name: "spotdl", Enabled: true},
	{Name: "preview", Enabled: true},
}

func mapSourcesConfig(cfg *config.Config) (sourcesSettings, error) {
	sc := cfg.Sources
	out := sourcesSettings{
		Dir: strings.TrimSpace(sc.Dir),
		Limits: assetcache.Limits{
			MinFullBytes: sc.MinFullBytes,
			MaxBytes:     sc.MaxBytes,
		},
		Breaker: source.BreakerConfig{Failures: sc.Breaker.Failures},
	}
	if out.Dir == "" {
		out.Dir = defaultCacheDir
	}
	if out.Limits.MinFullBytes <= 0 {
		out.Limits.MinFullBytes = assetcache.DefaultMinFullBytes
	}
	if out.Limits.MaxBytes <= 0 {
		out.Limits.MaxBytes = assetcache.DefaultMaxBytes
	}
	var err error
	if out.Retention, err = config.ParseDurationOrDefault("sources.retention", sc.Retention, assetcache.DefaultRetention); err != nil {
		return sourcesSettings{}, err
	}
	if out.Timeout, err = config.ParseDurationOrDefault("sources.timeout", sc.Timeout, defaultProviderTimeout); err != nil {
		return sourcesSettings{}, err
	}
	if out.Breaker.Failures == 0 {
		out.Breaker.Failures = 5
	}
	if out.Breaker.Cooldown, err = config.ParseDurationOrDefault("sources.breaker.cooldown", sc.Breaker.Cooldown, 10*time.Minute); err != nil {
		return sourcesSettings{}, err
	}

	chain := sc.Chain
	if len(chain) == 0 {
		chain = defaultChain
	}
	for i, p := range chain {
		if !p.Enabled {
			continue
		}
		d, err := config.ParseDurationOrDefault(fmt.Sprintf("sources.chain[%d].timeout", i), p.Timeout, out.Timeout)
		if err != nil {
			return sourcesSettings{}, err
		}
		out.Chain = append(out.Chain, providerSettings{Name: p.Name, Timeout: d, Binary: strings.TrimSpace(p.Binary)})
	}
	return out, nil
}

func selectionWindow(cfg *config.Config) int {
	if n := cfg.Selection.DedupWindow; n > 0 {
		return n
	}
	return selector.DefaultWindow
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 2*time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
