package config

import (
	"reflect"
	"sort"
	"strings"

	logx "dailytrack/pkg/logx"
)

// Sections whose changes only take effect after a restart.
var restartSections = map[string]bool{
	"telegram": true,
	"storage":  true,
	"engine":   true,
	"schedule": true,
	"catalog":  true,
	"lyrics":   true,
	"sources":  true,
}

// RequiresRestart reports whether a changed section is not applied live.
func RequiresRestart(section string) bool { return restartSections[section] }

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging (never includes tokens or client secrets).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || strings.TrimSpace(ot.LogChat) != strings.TrimSpace(nt.LogChat) ||
		strings.TrimSpace(ot.SendTimeout) != strings.TrimSpace(nt.SendTimeout) || ot.APIURL != nt.APIURL {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Bool("telegram.log_chat_set", strings.TrimSpace(nt.LogChat) != ""),
			logx.String("telegram.send_timeout", strings.TrimSpace(nt.SendTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	// Ops (never log token)
	oo, no := oldCfg.Ops, newCfg.Ops
	oTok, nTok := strings.TrimSpace(oo.Token) != "", strings.TrimSpace(no.Token) != ""
	oo.Token, no.Token = "", ""
	if oo != no || oTok != nTok {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.token_set", nTok),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.String("engine.default_timeout", newCfg.Engine.DefaultTimeout),
		)
	}

	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.default_timezone", newCfg.Schedule.DefaultTimezone),
			logx.String("schedule.misfire_grace", newCfg.Schedule.MisfireGrace),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
		attrs = append(attrs,
			logx.String("housekeeping.sweep", newCfg.Housekeeping.Sweep),
			logx.String("housekeeping.prune", newCfg.Housekeeping.Prune),
			logx.String("housekeeping.reconcile", newCfg.Housekeeping.Reconcile),
		)
	}

	// Catalog (never log client credentials)
	oc, nc := oldCfg.Catalog, newCfg.Catalog
	credsChanged := oc.ClientID != nc.ClientID || oc.ClientSecret != nc.ClientSecret
	oc.ClientID, oc.ClientSecret, nc.ClientID, nc.ClientSecret = "", "", "", ""
	if credsChanged || oc != nc {
		changed = append(changed, "catalog")
		attrs = append(attrs,
			logx.Bool("catalog.credentials_changed", credsChanged),
			logx.String("catalog.market", nc.Market),
		)
	}

	if oldCfg.Lyrics != newCfg.Lyrics {
		changed = append(changed, "lyrics")
		attrs = append(attrs, logx.Bool("lyrics.enabled", newCfg.Lyrics.Enabled))
	}

	if !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources) {
		changed = append(changed, "sources")
		attrs = append(attrs,
			logx.String("sources.chain", chainNames(newCfg.Sources.Chain)),
			logx.String("sources.retention", newCfg.Sources.Retention),
		)
	}

	if !reflect.DeepEqual(oldCfg.Selection, newCfg.Selection) {
		changed = append(changed, "selection")
		attrs = append(attrs,
			logx.Int("selection.dedup_window", newCfg.Selection.DedupWindow),
			logx.Int("selection.default_genres", len(newCfg.Selection.DefaultGenres)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func chainNames(chain []ProviderConfig) string {
	names := make([]string, 0, len(chain))
	for _, p := range chain {
		if p.Enabled {
			names = append(names, p.Name)
		}
	}
	return strings.Join(names, ">")
}
