package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dailytrack/internal/assetcache"
	"dailytrack/internal/config"
	"dailytrack/internal/delivery"
	"dailytrack/internal/eventbus"
	"dailytrack/internal/schedule"
	"dailytrack/internal/storage"
	"dailytrack/internal/transport"
	logx "dailytrack/pkg/logx"
)

// defaultSendTime applies to profiles created from the command line.
const defaultSendTime = "09:00"

// Tool runs one-shot commands against the configured store without starting
// the daemon. A running daemon picks up profile edits on its next reconcile.
type Tool struct {
	cfg   *config.Config
	log   logx.Logger
	logs  *logx.Service
	store storage.Store
	gw    transport.Gateway
	now   func() time.Time
}

// OpenTool loads the config and opens the store. The gateway is created on
// first use unless o provides one.
func OpenTool(cfgPath string, o Options) (*Tool, error) {
	_, cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	logSvc, log, err := newLogging(cfg)
	if err != nil {
		return nil, err
	}
	t := &Tool{cfg: cfg, log: log.With(logx.String("comp", "cli")), logs: logSvc, gw: o.Gateway, store: o.Store, now: time.Now}
	if t.store == nil {
		st, err := openStore(cfg, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		t.store = st
	}
	return t, nil
}

func (t *Tool) Close() error {
	err := t.store.Close()
	_ = t.logs.Close()
	return err
}

func (t *Tool) gateway() (transport.Gateway, error) {
	if t.gw != nil {
		return t.gw, nil
	}
	gw, err := newGateway(t.cfg, t.log)
	if err != nil {
		return nil, err
	}
	t.logs.SetSender(gw)
	t.gw = gw
	return gw, nil
}

// SendNow delivers to userID immediately with the daemon's pipeline.
// Permanent failures disable the user in the store only; a running daemon
// drops the timer on reconcile.
func (t *Tool) SendNow(ctx context.Context, userID int64) (delivery.Report, error) {
	gw, err := t.gateway()
	if err != nil {
		return delivery.Report{}, err
	}
	pipe, err := newPipeline(t.cfg, t.log, eventbus.New(), t.store, gw, nil)
	if err != nil {
		return delivery.Report{}, err
	}
	return pipe.coord.Deliver(ctx, userID, delivery.TriggerManual, time.Time{})
}

// ScheduleLine is one profile with its upcoming fire instant. Next is zero
// for profiles without a daily timer.
type ScheduleLine struct {
	Profile storage.Profile
	Next    time.Time
	Err     error
}

// Schedules lists every profile ordered as the store returns them.
func (t *Tool) Schedules(ctx context.Context) ([]ScheduleLine, error) {
	profiles, err := t.store.ListProfiles(ctx)
	if err != nil {
		return nil, err
	}
	now := t.now()
	out := make([]ScheduleLine, 0, len(profiles))
	for _, p := range profiles {
		line := ScheduleLine{Profile: p}
		if p.Scheduled() {
			d, err := schedule.NewDaily(p.SendHour, p.SendMinute, p.Timezone)
			if err != nil {
				line.Err = err
			} else {
				line.Next = d.Next(now)
			}
		}
		out = append(out, line)
	}
	return out, nil
}

// UserUpdate changes the fields that are set. Nil pointers and empty strings
// keep the stored value.
type UserUpdate struct {
	UserID     int64
	Genres     []string
	Time       string
	Timezone   string
	SendTo     string
	ChannelID  string
	ShowLyrics *bool
	AutoSend   *bool
}

// SetUser creates or updates a profile. Zone, time and destination are
// validated before anything is written; a profile edit also reactivates the user.
func (t *Tool) SetUser(ctx context.Context, u UserUpdate) (storage.Profile, error) {
	if u.UserID <= 0 {
		return storage.Profile{}, errors.New("user id must be positive")
	}
	p, err := t.store.GetProfile(ctx, u.UserID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		p, err = t.newProfile(u.UserID)
		if err != nil {
			return storage.Profile{}, err
		}
	case err != nil:
		return storage.Profile{}, err
	}

	if u.Genres != nil {
		p.Genres = u.Genres
	}
	if s := strings.TrimSpace(u.Time); s != "" {
		if p.SendHour, p.SendMinute, err = schedule.ParseHHMM(s); err != nil {
			return storage.Profile{}, err
		}
	}
	if tz := strings.TrimSpace(u.Timezone); tz != "" {
		loc, err := schedule.LoadZone(tz)
		if err != nil {
			return storage.Profile{}, err
		}
		p.Timezone = loc.String()
	}
	if u.SendTo != "" {
		p.SendTo = u.SendTo
	}
	if u.ChannelID != "" {
		p.ChannelID = u.ChannelID
	}
	if u.ShowLyrics != nil {
		p.ShowLyrics = *u.ShowLyrics
	}
	if u.AutoSend != nil {
		p.AutoSend = *u.AutoSend
	}
	p.Active = true
	p = p.Normalize()

	if _, err := delivery.Destination(p); err != nil {
		return storage.Profile{}, err
	}
	if _, err := schedule.NewDaily(p.SendHour, p.SendMinute, p.Timezone); err != nil {
		return storage.Profile{}, err
	}
	p.UpdatedAt = t.now().UTC()
	if err := t.store.PutProfile(ctx, p); err != nil {
		return storage.Profile{}, err
	}
	t.log.Info("profile saved", logx.UserID(p.UserID), logx.Bool("scheduled", p.Scheduled()))
	return p, nil
}

func (t *Tool) newProfile(userID int64) (storage.Profile, error) {
	hour, minute, err := schedule.ParseHHMM(defaultSendTime)
	if err != nil {
		return storage.Profile{}, err
	}
	return storage.Profile{
		UserID:     userID,
		SendHour:   hour,
		SendMinute: minute,
		Timezone:   defaultTimezone(t.cfg),
		SendTo:     storage.SendPrivate,
		AutoSend:   true,
		ShowLyrics: true,
		Active:     true,
	}, nil
}

// DisableUser clears the active and auto-send flags.
func (t *Tool) DisableUser(ctx context.Context, userID int64) error {
	if err := t.store.DisableUser(ctx, userID); err != nil {
		return fmt.Errorf("disable user %d: %w", userID, err)
	}
	t.log.Info("user disabled", logx.UserID(userID))
	return nil
}

// Sweep runs one asset-cache eviction pass.
func (t *Tool) Sweep(ctx context.Context) (assetcache.SweepResult, error) {
	cache, _, err := newCache(t.cfg, t.store, t.log, eventbus.New())
	if err != nil {
		return assetcache.SweepResult{}, err
	}
	return cache.Sweep(ctx)
}
