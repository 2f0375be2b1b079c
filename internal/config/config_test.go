package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseYAMLWithEnvOverlay(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.yaml", `
telegram:
  token: from-file
storage:
  driver: sqlite
  path: ./file.db
schedule:
  default_timezone: Asia/Tehran
  misfire_grace: 30m
sources:
  chain:
    - name: ytdlp
      enabled: true
      timeout: 3m
    - name: preview
      enabled: true
selection:
  dedup_window: 100
  default_genres: [pop, rock]
`)
	m := NewConfigManager(p)
	m.SetEnv(env(map[string]string{
		EnvBotToken:      "bot-token",
		EnvTelegramToken: "dt-token",
		EnvStoragePath:   "/var/lib/dailytrack/db",
		EnvClientSecret:  "  secret ",
	}))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "dt-token" {
		t.Fatalf("token = %q, want dt-token", cfg.Telegram.Token)
	}
	if cfg.Storage.Path != "/var/lib/dailytrack/db" {
		t.Fatalf("storage.path = %q", cfg.Storage.Path)
	}
	if cfg.Catalog.ClientSecret != "secret" {
		t.Fatalf("client secret = %q", cfg.Catalog.ClientSecret)
	}
	if len(cfg.Sources.Chain) != 2 || cfg.Sources.Chain[0].Name != "ytdlp" {
		t.Fatalf("chain = %+v", cfg.Sources.Chain)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load should commit the parsed config")
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{"unknown json key", "c.json", `{"telegram":{"poll_timeout":"10s"}}`},
		{"unknown yaml key", "c.yml", "plugins:\n  echo: {}\n"},
		{"trailing json", "c.json", `{"logging":{"level":"info"}}{"logging":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, tt.file, tt.body))
			m.SetEnv(env(nil))
			if _, err := m.Parse(); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero config", func(*Config) {}, ""},
		{"bad zone", func(c *Config) { c.Schedule.DefaultTimezone = "Mars/Olympus" }, "schedule.default_timezone"},
		{"bad duration", func(c *Config) { c.Schedule.MisfireGrace = "an hour" }, "schedule.misfire_grace"},
		{"negative duration", func(c *Config) { c.Engine.DefaultTimeout = "-1s" }, "engine.default_timeout"},
		{"unknown provider", func(c *Config) {
			c.Sources.Chain = []ProviderConfig{{Name: "napster", Enabled: true}}
		}, "sources.chain[0].name"},
		{"duplicate provider", func(c *Config) {
			c.Sources.Chain = []ProviderConfig{{Name: "ytdlp"}, {Name: "ytdlp"}}
		}, "duplicate provider"},
		{"dedup window too large", func(c *Config) { c.Selection.DedupWindow = 5000 }, "selection.dedup_window"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"file log without path", func(c *Config) { c.Logging.File.Enabled = true }, "logging.file.path"},
		{"chat log without target", func(c *Config) { c.Logging.Chat.Enabled = true }, "telegram.log_chat"},
		{"min over max", func(c *Config) {
			c.Sources.MinFullBytes = 10
			c.Sources.MaxBytes = 5
		}, "min_full_bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{}
	newCfg := &Config{}
	newCfg.Telegram.Token = "123:secret-token"
	newCfg.Catalog.ClientSecret = "client-secret"
	newCfg.Ops.Token = "ops-token"
	newCfg.Selection.DedupWindow = 50

	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"catalog", "ops", "selection", "telegram"}
	if strings.Join(sections, ",") != strings.Join(want, ",") {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ev := logger.Info()
	for _, a := range attrs {
		a(ev)
	}
	ev.Send()
	for _, secret := range []string{"secret-token", "client-secret", "ops-token"} {
		if strings.Contains(buf.String(), secret) {
			t.Fatalf("summary leaks a secret: %s", buf.String())
		}
	}
	if !RequiresRestart("telegram") || RequiresRestart("logging") {
		t.Fatal("unexpected restart classification")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 42)
	if err != nil || d != 42 {
		t.Fatalf("got %v %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-5s", 1); err == nil {
		t.Fatal("expected error for negative duration")
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "DAILYTRACK_DOTENV_TEST"
	t.Setenv(key, "")
	os.Unsetenv(key)

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	p := writeFile(t, ".env", key+"=from-dotenv\n")
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(key); got != "from-dotenv" {
		t.Fatalf("%s = %q", key, got)
	}

	t.Setenv(key, "from-env")
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(key); got != "from-env" {
		t.Fatalf("existing variable overwritten: %q", got)
	}
}

func TestReloadValidatesBeforePublishing(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	m.SetEnv(env(nil))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "trace" {
			return errors.New("trace not allowed")
		}
		return nil
	})
	sub := m.Subscribe(1)
	ctx := context.Background()

	// Unchanged content publishes nothing.
	m.reload(ctx)
	select {
	case cfg := <-sub:
		t.Fatalf("unchanged config published: %+v", cfg)
	default:
	}

	if err := os.WriteFile(p, []byte(`{"logging":{"level":"trace"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(ctx)
	if m.Get().Logging.Level != "info" {
		t.Fatalf("rejected config committed")
	}

	if err := os.WriteFile(p, []byte(`{"logging":{"level":"debug"}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m.reload(ctx)
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" || m.Get() != cfg {
			t.Fatalf("published %+v, current %+v", cfg.Logging, m.Get().Logging)
		}
	default:
		t.Fatal("valid change not published")
	}

	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("channel not closed by Unsubscribe")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatal("slow subscriber did not get the newest config")
	}
}
