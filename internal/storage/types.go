package storage

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DefaultTimezone is used for profiles created without an explicit zone.
const DefaultTimezone = "Asia/Tehran"

// Destination kinds for Profile.SendTo.
const (
	SendPrivate = "private"
	SendChannel = "channel"
)

// Profile is a user's delivery preferences together with the daily schedule.
type Profile struct {
	UserID     int64    `json:"user_id"`
	Genres     []string `json:"genres,omitempty"`
	SendHour   int      `json:"send_hour"`
	SendMinute int      `json:"send_minute"`
	Timezone   string   `json:"timezone"`
	SendTo     string   `json:"send_to"`
	ChannelID  string   `json:"channel_id,omitempty"`
	AutoSend   bool     `json:"auto_send"`
	ShowLyrics bool     `json:"show_lyrics"`
	Active     bool     `json:"active"`

	// LastFiredAt is the last occurrence handed to the coordinator; it drives misfire catch-up.
	LastFiredAt time.Time `json:"last_fired_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Scheduled reports whether the profile should have an armed daily timer.
func (p Profile) Scheduled() bool { return p.Active && p.AutoSend }

// Normalize fills defaults for fields left empty.
func (p Profile) Normalize() Profile {
	p.Timezone = strings.TrimSpace(p.Timezone)
	if p.Timezone == "" {
		p.Timezone = DefaultTimezone
	}
	p.SendTo = strings.ToLower(strings.TrimSpace(p.SendTo))
	if p.SendTo == "" {
		p.SendTo = SendPrivate
	}
	p.ChannelID = strings.TrimSpace(p.ChannelID)
	genres := p.Genres[:0:0]
	for _, g := range p.Genres {
		if g = strings.ToLower(strings.TrimSpace(g)); g != "" {
			genres = append(genres, g)
		}
	}
	p.Genres = genres
	return p
}

// DeliveryRecord is one successful send. The log is append-only apart from retention pruning.
type DeliveryRecord struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	TrackID     string    `json:"track_id"`
	Title       string    `json:"title,omitempty"`
	Artist      string    `json:"artist,omitempty"`
	SentAt      time.Time `json:"sent_at"`
	Destination string    `json:"destination,omitempty"`
	WithAudio   bool      `json:"with_audio"`
	Source      string    `json:"source,omitempty"`
}

// Asset indexes one downloaded audio file.
type Asset struct {
	Fingerprint string    `json:"fingerprint"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	Source      string    `json:"source"`
}
