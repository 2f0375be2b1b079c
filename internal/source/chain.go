package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"dailytrack/internal/assetcache"
	"dailytrack/internal/eventbus"
	"dailytrack/internal/metrics"
	logx "dailytrack/pkg/logx"
)

// BreakerConfig trips a provider after Failures consecutive failures and
// keeps it open for Cooldown.
type BreakerConfig struct {
	Failures uint32
	Cooldown time.Duration
}

type Option func(*Chain)

func WithLogger(log logx.Logger) Option { return func(c *Chain) { c.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(c *Chain) { c.bus = bus } }

// WithTimeout bounds one provider attempt unless the provider sets its own.
func WithTimeout(d time.Duration) Option { return func(c *Chain) { c.timeout = d } }

func WithBreaker(b BreakerConfig) Option { return func(c *Chain) { c.breakerCfg = b } }

// Timeouter lets a provider override the chain's per-attempt timeout.
type Timeouter interface {
	Timeout() time.Duration
}

// Chain tries providers in order; attempts within one resolution are
// sequential and concurrent resolutions of one fingerprint are joined.
type Chain struct {
	providers  []Provider
	breakers   map[string]*gobreaker.CircuitBreaker[string]
	breakerCfg BreakerConfig
	cache      *assetcache.Cache
	timeout    time.Duration
	log        logx.Logger
	bus        eventbus.Bus
	group      singleflight.Group
}

func NewChain(cache *assetcache.Cache, providers []Provider, opts ...Option) (*Chain, error) {
	if cache == nil {
		return nil, errors.New("source chain: cache required")
	}
	c := &Chain{
		cache:      cache,
		timeout:    3 * time.Minute,
		log:        logx.Nop(),
		breakerCfg: BreakerConfig{Failures: 5, Cooldown: 10 * time.Minute},
		breakers:   map[string]*gobreaker.CircuitBreaker[string]{},
	}
	for _, o := range opts {
		o(c)
	}
	seen := map[string]bool{}
	for _, p := range providers {
		if p == nil {
			continue
		}
		name := p.Name()
		if seen[name] {
			return nil, fmt.Errorf("source chain: duplicate provider %q", name)
		}
		seen[name] = true
		c.providers = append(c.providers, p)
		c.breakers[name] = c.newBreaker(name)
	}
	return c, nil
}

func (c *Chain) newBreaker(name string) *gobreaker.CircuitBreaker[string] {
	failures := c.breakerCfg.Failures
	if failures == 0 {
		failures = 5
	}
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     c.breakerCfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Skips and caller cancellation say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSkip) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(stateValue(to))
			c.log.Warn("provider breaker state changed", logx.String("provider", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Providers returns the provider names in chain order.
func (c *Chain) Providers() []string {
	out := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, p.Name())
	}
	return out
}

// Resolve returns a valid local file for the track. A cache hit makes no
// provider calls. When all providers fail the error wraps ErrNoAsset and
// joins each provider's failure.
func (c *Chain) Resolve(ctx context.Context, req Request) (Result, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Artist = strings.TrimSpace(req.Artist)
	if req.Title == "" {
		return Result{}, fmt.Errorf("%w: title required", ErrNoAsset)
	}
	fp := assetcache.Fingerprint(req.Title, req.Artist)
	if a, ok := c.cache.Get(ctx, fp); ok {
		return Result{Path: a.Path, Source: a.Source, Fingerprint: fp, Cached: true}, nil
	}

	v, err, shared := c.group.Do(fp, func() (any, error) {
		return c.resolve(ctx, fp, req)
	})
	if shared {
		c.log.Debug("joined in-flight resolution", logx.String("fp", fp))
	}
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *Chain) resolve(ctx context.Context, fp string, req Request) (Result, error) {
	log := c.log.With(logx.String("title", req.Title), logx.String("artist", req.Artist))
	var errs []error
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		name := p.Name()
		key := fp
		if p.Kind() == assetcache.KindPreview {
			if strings.TrimSpace(req.PreviewURL) == "" {
				metrics.SourceAttempts.WithLabelValues(name, "skip").Inc()
				continue
			}
			key = assetcache.URLFingerprint(req.PreviewURL)
			if a, ok := c.cache.Get(ctx, key); ok {
				return c.done(Result{Path: a.Path, Source: name, Fingerprint: key, Cached: true, Preview: true}), nil
			}
		}

		res, err := c.attempt(ctx, p, key, req)
		if err == nil {
			log.Info("audio resolved", logx.String("provider", name), logx.String("path", res.Path))
			return c.done(res), nil
		}
		result := "error"
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			result = "open"
		case errors.Is(err, assetcache.ErrInvalidAsset):
			result = "invalid"
		case errors.Is(err, ErrSkip):
			result = "skip"
		}
		metrics.SourceAttempts.WithLabelValues(name, result).Inc()
		if result != "skip" {
			log.Warn("provider failed", logx.String("provider", name), logx.String("result", result), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.SourceMissed, Time: time.Now(), Data: map[string]any{"title": req.Title, "artist": req.Artist}})
	}
	if len(errs) == 0 {
		return Result{}, ErrNoAsset
	}
	return Result{}, fmt.Errorf("%w: %w", ErrNoAsset, errors.Join(errs...))
}

func (c *Chain) attempt(ctx context.Context, p Provider, key string, req Request) (Result, error) {
	timeout := c.timeout
	if t, ok := p.(Timeouter); ok && t.Timeout() > 0 {
		timeout = t.Timeout()
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req.Dest = c.cache.PathFor(key, "")
	name := p.Name()
	path, err := c.breakers[name].Execute(func() (string, error) {
		path, err := p.Fetch(actx, req)
		if err != nil {
			if path != "" {
				c.cache.Discard(path)
			}
			if actx.Err() != nil && ctx.Err() == nil {
				return "", fmt.Errorf("attempt timed out after %s: %w", timeout, err)
			}
			return "", err
		}
		if _, err := c.cache.Put(ctx, key, path, name, p.Kind()); err != nil {
			return "", err
		}
		return path, nil
	})
	if err != nil {
		return Result{}, err
	}
	metrics.SourceAttempts.WithLabelValues(name, "ok").Inc()
	return Result{Path: path, Source: name, Fingerprint: key, Preview: p.Kind() == assetcache.KindPreview}, nil
}

func (c *Chain) done(res Result) Result {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.SourceResolved, Time: time.Now(), Data: res})
	}
	return res
}
