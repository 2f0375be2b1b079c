package logx

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"dailytrack/internal/transport"
)

const (
	chatMaxLen   = 3500
	chatFieldLen = 600
	chatSendWait = 10 * time.Second
)

// chatSink is a zerolog.LevelWriter that forwards lines at or above a level
// to an operator chat. It never blocks the caller: lines over the rate limit
// or beyond the queue are dropped.
type chatSink struct {
	mu      sync.Mutex
	sender  transport.TextSender
	to      transport.Destination
	min     zerolog.Level
	limiter *rate.Limiter

	queue   chan chatLine
	start   sync.Once
	stop    context.CancelFunc
	stopped sync.WaitGroup
}

type chatLine struct {
	to   transport.Destination
	text string
}

func newChatSink(sender transport.TextSender) *chatSink {
	return &chatSink{
		sender:  sender,
		min:     zerolog.WarnLevel,
		limiter: rate.NewLimiter(1, 1),
		queue:   make(chan chatLine, 256),
	}
}

func (c *chatSink) setSender(sender transport.TextSender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

func (c *chatSink) setTarget(to transport.Destination) {
	c.mu.Lock()
	c.to = to
	c.mu.Unlock()
}

func (c *chatSink) configure(cfg ChatConfig) {
	perSec := max(cfg.RatePerSec, 1)
	c.mu.Lock()
	c.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	unset := c.to.IsZero()
	c.mu.Unlock()

	if !cfg.Enabled {
		return
	}
	if unset {
		fmt.Fprintln(os.Stderr, "logx: chat logging enabled but telegram.log_chat is not set")
	}
	c.start.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.stop = cancel
		c.mu.Unlock()
		c.stopped.Add(1)
		go c.forward(ctx)
	})
}

func (c *chatSink) close() {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		c.stopped.Wait()
	}
}

func (c *chatSink) forward(ctx context.Context) {
	defer c.stopped.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-c.queue:
			c.mu.Lock()
			sender := c.sender
			c.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatSendWait)
			_ = sender.SendText(sctx, line.to, line.text, &transport.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(zerolog.NoLevel, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	to, ready := c.to, c.sender != nil && level >= c.min && level != zerolog.NoLevel
	lim := c.limiter
	c.mu.Unlock()

	if !ready || to.IsZero() || !lim.Allow() {
		return len(p), nil
	}
	if text := formatChatLine(p); text != "" {
		select {
		case c.queue <- chatLine{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatChatLine turns one JSON log line into "[LEVEL] message" followed by
// one "- key=value" row per field, sorted by key. Other input passes through.
func formatChatLine(p []byte) string {
	raw := bytes.TrimSpace(p)
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		return clip(string(raw), chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := rec["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec["message"].(string)
	b.WriteString(msg)

	delete(rec, "time")
	delete(rec, "level")
	delete(rec, "message")
	for _, k := range slices.Sorted(maps.Keys(rec)) {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(rec[k]), chatFieldLen))
	}
	return clip(b.String(), chatMaxLen)
}

func clip(s string, n int) string {
	switch {
	case len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	default:
		return s[:n-3] + "..."
	}
}
