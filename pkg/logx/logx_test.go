package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"dailytrack/internal/transport"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	to   []transport.Destination
	got  chan struct{}
}

func (r *recordingSender) SendText(_ context.Context, to transport.Destination, text string, _ *transport.SendOptions) error {
	r.mu.Lock()
	r.sent = append(r.sent, text)
	r.to = append(r.to, to)
	r.mu.Unlock()
	select {
	case r.got <- struct{}{}:
	default:
	}
	return nil
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"2026-01-02T03:04:05Z","message":"delivery failed","user_id":42,"comp":"delivery"}`
	got := formatChatLine([]byte(line))
	want := "[WARN] delivery failed\n- comp=delivery\n- user_id=42"
	if got != want {
		t.Fatalf("formatChatLine =\n%q\nwant\n%q", got, want)
	}
	if got := formatChatLine([]byte("not json")); got != "not json" {
		t.Fatalf("raw line = %q", got)
	}
	long := `{"level":"error","message":"` + strings.Repeat("x", 5000) + `"}`
	if got := formatChatLine([]byte(long)); len(got) != 3500 || !strings.HasSuffix(got, "...") {
		t.Fatalf("long line len = %d", len(got))
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestChatSinkForwardsWarnings(t *testing.T) {
	t.Parallel()
	sender := &recordingSender{got: make(chan struct{}, 1)}
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{RatePerSec: 10}}, sender)
	defer svc.Close()
	svc.SetChatTarget(transport.Destination{ChatID: -100})
	svc.Apply(Config{Level: "debug", Chat: ChatConfig{Enabled: true, RatePerSec: 10}})

	log.Info("quiet", String("k", "v"))
	log.Warn("loud", UserID(7))

	select {
	case <-sender.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("no chat message sent")
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || !strings.HasPrefix(sender.sent[0], "[WARN] loud") || sender.to[0].ChatID != -100 {
		t.Fatalf("sent = %q to %+v", sender.sent, sender.to)
	}
}

func TestNopAndWith(t *testing.T) {
	t.Parallel()
	if !(Logger{}).IsZero() {
		t.Fatalf("zero Logger not IsZero")
	}
	l := Nop().With(String("comp", "x"))
	l.Info("ignored")
	if l.Enabled(zerolog.ErrorLevel) {
		t.Fatalf("Nop logger enabled")
	}
}
