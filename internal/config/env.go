package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides for secrets and deployment paths.
const (
	EnvBotToken      = "BOT_TOKEN"
	EnvTelegramToken = "DAILYTRACK_TELEGRAM_TOKEN"
	EnvClientID      = "SPOTIFY_CLIENT_ID"
	EnvClientSecret  = "SPOTIFY_CLIENT_SECRET"
	EnvStoragePath   = "DAILYTRACK_STORAGE_PATH"
)

// ApplyEnv overlays non-empty environment values onto cfg.
// DAILYTRACK_TELEGRAM_TOKEN wins over BOT_TOKEN; both win over the file.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if cfg == nil || getenv == nil {
		return
	}
	get := func(k string) string { return strings.TrimSpace(getenv(k)) }

	if v := get(EnvBotToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := get(EnvTelegramToken); v != "" {
		cfg.Telegram.Token = v
	}
	if v := get(EnvClientID); v != "" {
		cfg.Catalog.ClientID = v
	}
	if v := get(EnvClientSecret); v != "" {
		cfg.Catalog.ClientSecret = v
	}
	if v := get(EnvStoragePath); v != "" {
		cfg.Storage.Path = v
	}
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
