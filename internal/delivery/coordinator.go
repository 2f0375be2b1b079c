// Package delivery runs one select, resolve, send and record cycle per user.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"dailytrack/internal/eventbus"
	"dailytrack/internal/metrics"
	"dailytrack/internal/selector"
	"dailytrack/internal/source"
	"dailytrack/internal/storage"
	"dailytrack/internal/transport"
	logx "dailytrack/pkg/logx"
)

// Trigger says why a delivery runs.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

var (
	ErrInactive       = errors.New("user is not active")
	ErrNoDestination  = errors.New("user has no valid destination")
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Store is the persistence the coordinator needs.
type Store interface {
	GetProfile(ctx context.Context, userID int64) (storage.Profile, error)
	DisableUser(ctx context.Context, userID int64) error
	MarkFired(ctx context.Context, userID int64, at time.Time) error
	AppendDelivery(ctx context.Context, r storage.DeliveryRecord) error
}

type Selector interface {
	SelectTrack(ctx context.Context, userID int64, genres []string) (selector.Selection, error)
}

type Resolver interface {
	Resolve(ctx context.Context, req source.Request) (source.Result, error)
}

type Lyrics interface {
	Lookup(ctx context.Context, title, artist string) (string, error)
}

// Unscheduler cancels a user's daily timer.
type Unscheduler interface {
	Remove(userID int64) bool
}

// Deps are the coordinator's collaborators. Lyrics is optional.
type Deps struct {
	Store    Store
	Selector Selector
	Resolver Resolver
	Lyrics   Lyrics
	Gateway  transport.Gateway
	Schedule Unscheduler
}

type Option func(*Coordinator)

func WithLogger(log logx.Logger) Option { return func(c *Coordinator) { c.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(c *Coordinator) { c.bus = bus } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// WithDefaultGenres is used for users without genres of their own.
func WithDefaultGenres(genres []string) Option {
	return func(c *Coordinator) { c.SetDefaultGenres(genres) }
}

// WithLyricsTimeout bounds the lyrics lookup.
func WithLyricsTimeout(d time.Duration) Option { return func(c *Coordinator) { c.lyricsTimeout = d } }

// DefaultSendReserve is the share of a delivery deadline the source chain may
// not use, so the lyrics lookup and the text fallback still have time.
const DefaultSendReserve = 30 * time.Second

// WithSendReserve overrides DefaultSendReserve. Non-positive values are ignored.
func WithSendReserve(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.sendReserve = d
		}
	}
}

// Report describes one finished delivery.
type Report struct {
	UserID    int64
	Trigger   Trigger
	Outcome   string
	TrackID   string
	Title     string
	Artist    string
	Genre     string
	Reset     bool
	WithAudio bool
	Source    string
	To        string
	Duration  time.Duration
}

type Coordinator struct {
	d             Deps
	log           logx.Logger
	bus           eventbus.Bus
	now           func() time.Time
	lyricsTimeout time.Duration
	sendReserve   time.Duration
	defaultGenres atomic.Pointer[[]string]
}

func New(d Deps, opts ...Option) (*Coordinator, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("delivery: store required")
	case d.Selector == nil:
		return nil, errors.New("delivery: selector required")
	case d.Resolver == nil:
		return nil, errors.New("delivery: resolver required")
	case d.Gateway == nil:
		return nil, errors.New("delivery: gateway required")
	}
	c := &Coordinator{d: d, log: logx.Nop(), now: time.Now, lyricsTimeout: 10 * time.Second, sendReserve: DefaultSendReserve}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c, nil
}

// SetDefaultGenres replaces the fallback genres for later deliveries.
func (c *Coordinator) SetDefaultGenres(genres []string) {
	g := append([]string(nil), genres...)
	c.defaultGenres.Store(&g)
}

func (c *Coordinator) fallbackGenres() []string {
	if g := c.defaultGenres.Load(); g != nil {
		return *g
	}
	return nil
}

// Deliver runs one cycle for userID. occurrence is the scheduled instant for
// TriggerSchedule and is ignored otherwise.
//
// Permanent gateway failures cancel the user's schedule and disable the user.
// Transient failures are reported and not retried.
func (c *Coordinator) Deliver(ctx context.Context, userID int64, trig Trigger, occurrence time.Time) (Report, error) {
	start := c.now()
	rep := Report{UserID: userID, Trigger: trig}
	log := c.log.With(logx.UserID(userID), logx.String("trigger", string(trig)))

	rep, err := c.deliver(ctx, log, rep, occurrence)
	rep.Duration = c.now().Sub(start)
	metrics.Deliveries.WithLabelValues(rep.Outcome, string(trig)).Inc()
	metrics.DeliveryDuration.Observe(rep.Duration.Seconds())

	switch rep.Outcome {
	case metrics.OutcomeAudio, metrics.OutcomeText:
		log.Info("track delivered",
			logx.String("track", rep.TrackID), logx.String("title", rep.Title),
			logx.String("outcome", rep.Outcome), logx.String("to", rep.To), logx.Duration("took", rep.Duration))
		c.publish(eventbus.DeliverySent, rep)
	case metrics.OutcomeDemoted:
		log.Warn("recipient unreachable; user disabled", logx.Err(err))
		c.publish(eventbus.DeliveryDemoted, rep)
	case metrics.OutcomeSkipped:
		log.Debug("delivery skipped", logx.Err(err))
	default:
		log.Warn("delivery failed", logx.Err(err), logx.Duration("took", rep.Duration))
		c.publish(eventbus.DeliveryFailed, rep)
	}
	return rep, err
}

func (c *Coordinator) deliver(ctx context.Context, log logx.Logger, rep Report, occurrence time.Time) (Report, error) {
	userID := rep.UserID
	rep.Outcome = metrics.OutcomeFailed

	p, err := c.d.Store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			rep.Outcome = metrics.OutcomeSkipped
		}
		return rep, fmt.Errorf("load profile: %w", err)
	}
	if !p.Active {
		rep.Outcome = metrics.OutcomeSkipped
		return rep, ErrInactive
	}
	if rep.Trigger == TriggerSchedule && !occurrence.IsZero() {
		if err := c.d.Store.MarkFired(ctx, userID, occurrence); err != nil {
			log.Warn("mark fired failed", logx.Err(err))
		}
	}

	to, err := Destination(p)
	if err != nil {
		return rep, err
	}
	rep.To = to.String()

	genres := p.Genres
	if len(genres) == 0 {
		genres = c.fallbackGenres()
	}
	sel, err := c.d.Selector.SelectTrack(ctx, userID, genres)
	if err != nil {
		if rep.Trigger == TriggerManual && (errors.Is(err, selector.ErrEmptyCatalog) || errors.Is(err, selector.ErrNoGenres)) {
			c.notify(ctx, log, userID, err)
		}
		return rep, fmt.Errorf("select: %w", err)
	}
	t := sel.Track
	rep.TrackID, rep.Title, rep.Artist = t.ID, t.Title, t.ArtistLine()
	rep.Genre, rep.Reset = sel.Genre, sel.Reset

	rctx, cancel := c.resolveContext(ctx)
	res, rerr := c.d.Resolver.Resolve(rctx, source.Request{
		Title:      t.Title,
		Artist:     t.PrimaryArtist(),
		PreviewURL: t.PreviewURL,
		TrackURL:   t.SpotifyURL,
	})
	cancel()
	if rerr != nil {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		log.Info("no audio; sending text only", logx.String("track", t.ID), logx.Err(rerr))
	}

	snippet := ""
	if p.ShowLyrics {
		snippet = c.lookupLyrics(ctx, log, t.Title, t.PrimaryArtist())
	}

	opt := &transport.SendOptions{ParseMode: "HTML"}
	sent := false
	if rerr == nil {
		err = c.d.Gateway.SendAudio(ctx, to, transport.Audio{
			Path:      res.Path,
			Caption:   FormatCaption(t, snippet),
			Title:     t.Title,
			Performer: t.ArtistLine(),
			Duration:  time.Duration(t.DurationMs) * time.Millisecond,
		}, opt)
		switch {
		case err == nil:
			sent = true
			rep.WithAudio, rep.Source = true, res.Source
		case transport.IsUnreachable(err):
			return c.demote(ctx, log, rep, err)
		default:
			log.Warn("audio send failed; falling back to text", logx.String("path", res.Path), logx.Err(err))
		}
	}
	if !sent {
		if err := c.d.Gateway.SendText(ctx, to, FormatMessage(t, snippet), opt); err != nil {
			if transport.IsUnreachable(err) {
				return c.demote(ctx, log, rep, err)
			}
			return rep, fmt.Errorf("%w: send: %w", ErrDeliveryFailed, err)
		}
	}
	rep.Outcome = metrics.OutcomeText
	if rep.WithAudio {
		rep.Outcome = metrics.OutcomeAudio
	}

	if err := c.d.Store.AppendDelivery(ctx, storage.DeliveryRecord{
		UserID:      userID,
		TrackID:     t.ID,
		Title:       t.Title,
		Artist:      t.ArtistLine(),
		SentAt:      c.now(),
		Destination: rep.To,
		WithAudio:   rep.WithAudio,
		Source:      rep.Source,
	}); err != nil {
		log.Error("record delivery failed", logx.String("track", t.ID), logx.Err(err))
	}
	return rep, nil
}

// resolveContext bounds the source chain so that sendReserve of ctx's deadline
// is left over, or half of what remains when the deadline is closer than that.
func (c *Coordinator) resolveContext(ctx context.Context) (context.Context, context.CancelFunc) {
	dl, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	left := time.Until(dl)
	return context.WithTimeout(ctx, max(left-c.sendReserve, left/2))
}

func (c *Coordinator) demote(ctx context.Context, log logx.Logger, rep Report, cause error) (Report, error) {
	rep.Outcome = metrics.OutcomeDemoted
	if c.d.Schedule != nil {
		c.d.Schedule.Remove(rep.UserID)
	}
	// Disable even when ctx is already spent.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.d.Store.DisableUser(dctx, rep.UserID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error("disable user failed", logx.Err(err))
		return rep, errors.Join(cause, err)
	}
	return rep, cause
}

func (c *Coordinator) lookupLyrics(ctx context.Context, log logx.Logger, title, artist string) string {
	if c.d.Lyrics == nil {
		return ""
	}
	lctx, cancel := context.WithTimeout(ctx, c.lyricsTimeout)
	defer cancel()
	text, err := c.d.Lyrics.Lookup(lctx, title, artist)
	if err != nil {
		log.Debug("lyrics unavailable", logx.String("title", title), logx.Err(err))
		return ""
	}
	return lyricsSnippet(text)
}

// notify tells the user privately that nothing could be picked.
func (c *Coordinator) notify(ctx context.Context, log logx.Logger, userID int64, cause error) {
	msg := emptyNotice
	if errors.Is(cause, selector.ErrNoGenres) {
		msg = noGenreNotice
	}
	if err := c.d.Gateway.SendText(ctx, transport.Destination{ChatID: userID}, msg, nil); err != nil {
		log.Warn("failure notice not sent", logx.Err(err))
	}
}

func (c *Coordinator) publish(typ string, rep Report) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: rep})
}

// Destination maps a profile to its chat: the user's private chat, or the
// configured channel.
func Destination(p storage.Profile) (transport.Destination, error) {
	switch strings.ToLower(strings.TrimSpace(p.SendTo)) {
	case "", storage.SendPrivate:
		if p.UserID == 0 {
			return transport.Destination{}, ErrNoDestination
		}
		return transport.Destination{ChatID: p.UserID}, nil
	case storage.SendChannel:
		d, err := transport.ParseDestination(p.ChannelID)
		if err != nil {
			return transport.Destination{}, fmt.Errorf("%w: %w", ErrNoDestination, err)
		}
		return d, nil
	default:
		return transport.Destination{}, fmt.Errorf("%w: unknown send_to %q", ErrNoDestination, p.SendTo)
	}
}
