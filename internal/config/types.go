package config

type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Ops          OpsConfig          `json:"ops,omitempty"`
	Storage      StorageConfig      `json:"storage"`
	Engine       EngineConfig       `json:"engine"`
	Schedule     ScheduleConfig     `json:"schedule"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
	Catalog      CatalogConfig      `json:"catalog"`
	Lyrics       LyricsConfig       `json:"lyrics"`
	Sources      SourcesConfig      `json:"sources"`
	Selection    SelectionConfig    `json:"selection"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via BOT_TOKEN / DAILYTRACK_TELEGRAM_TOKEN.
	Token string `json:"token,omitempty"`
	// LogChat is the operator chat for WARN+ log lines (numeric id or @channel).
	LogChat string `json:"log_chat,omitempty"`
	// SendTimeout bounds a single Bot API call (Go duration string).
	SendTimeout string `json:"send_timeout,omitempty" validate:"omitempty,duration"`
	// APIURL overrides the Bot API endpoint (local bot API servers).
	APIURL string `json:"api_url,omitempty" validate:"omitempty,url"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty" validate:"gte=0"`
	MinLevel   string `json:"min_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0,lte=30"`
}

// OpsConfig controls the local operations HTTP server (/healthz, /metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - A non-loopback address requires a token or an explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	WriteTimeout string `json:"write_timeout,omitempty" validate:"omitempty,duration"`
	IdleTimeout  string `json:"idle_timeout,omitempty" validate:"omitempty,duration"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/dailytrack.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=file sqlite"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"` // sqlite
}

// EngineConfig controls the worker pool that runs deliveries.
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty" validate:"gte=0,lte=256"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty" validate:"omitempty,duration"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty" validate:"omitempty,duration"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
}

// ScheduleConfig controls the per-user daily timers.
type ScheduleConfig struct {
	DefaultTimezone string `json:"default_timezone,omitempty" validate:"omitempty,timezone"`
	// MisfireGrace is how late an occurrence may still fire after downtime.
	MisfireGrace string `json:"misfire_grace,omitempty" validate:"omitempty,duration"`
	// MaxSleep caps a single timer wait so wall-clock jumps are noticed.
	MaxSleep string `json:"max_sleep,omitempty" validate:"omitempty,duration"`
}

// HousekeepingConfig controls the recurring maintenance jobs.
//
// Schedules accept "every:<duration>", a Go duration or a cron expression.
type HousekeepingConfig struct {
	Timezone  string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Sweep     string `json:"sweep,omitempty"`
	Prune     string `json:"prune,omitempty"`
	PruneKeep int    `json:"prune_keep,omitempty" validate:"gte=0"`
	Reconcile string `json:"reconcile,omitempty"`
}

type CatalogConfig struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	Market       string `json:"market,omitempty" validate:"omitempty,len=2"`
	APIBase      string `json:"api_base,omitempty" validate:"omitempty,url"`
	AuthURL      string `json:"auth_url,omitempty" validate:"omitempty,url"`
	Timeout      string `json:"timeout,omitempty" validate:"omitempty,duration"`
	RatePerSec   int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

type LyricsConfig struct {
	Enabled bool   `json:"enabled"`
	BaseURL string `json:"base_url,omitempty" validate:"omitempty,url"`
	Timeout string `json:"timeout,omitempty" validate:"omitempty,duration"`
}

// SourcesConfig controls the download chain and the asset cache.
type SourcesConfig struct {
	Dir          string           `json:"dir,omitempty"`
	Retention    string           `json:"retention,omitempty" validate:"omitempty,duration"`
	MinFullBytes int64            `json:"min_full_bytes,omitempty" validate:"gte=0"`
	MaxBytes     int64            `json:"max_bytes,omitempty" validate:"gte=0"`
	Timeout      string           `json:"timeout,omitempty" validate:"omitempty,duration"`
	Chain        []ProviderConfig `json:"chain,omitempty" validate:"dive"`
	Breaker      BreakerConfig    `json:"breaker"`
}

type ProviderConfig struct {
	Name    string `json:"name" validate:"required,oneof=ytdlp spotdl preview"`
	Enabled bool   `json:"enabled"`
	Timeout string `json:"timeout,omitempty" validate:"omitempty,duration"`
	// Binary overrides the executable for ytdlp/spotdl.
	Binary string `json:"binary,omitempty"`
}

// BreakerConfig controls the per-provider circuit breakers.
type BreakerConfig struct {
	Failures uint32 `json:"failures,omitempty" validate:"lte=100"`
	Cooldown string `json:"cooldown,omitempty" validate:"omitempty,duration"`
}

type SelectionConfig struct {
	// DedupWindow is how many recent deliveries are excluded from selection.
	DedupWindow   int      `json:"dedup_window,omitempty" validate:"omitempty,gte=1,lte=1000"`
	DefaultGenres []string `json:"default_genres,omitempty" validate:"dive,required"`
}
