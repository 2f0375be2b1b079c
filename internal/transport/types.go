package transport

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Destination addresses a chat. Channel ("@name") takes precedence over ChatID when set.
type Destination struct {
	ChatID   int64
	Channel  string
	ThreadID int
}

func (d Destination) IsZero() bool { return d.ChatID == 0 && strings.TrimSpace(d.Channel) == "" }

func (d Destination) String() string {
	if c := strings.TrimSpace(d.Channel); c != "" {
		return c
	}
	return strconv.FormatInt(d.ChatID, 10)
}

// ParseDestination accepts a numeric chat id ("-1001234") or a public channel name ("@name" or "name").
func ParseDestination(raw string) (Destination, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Destination{}, errors.New("destination is empty")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		if id == 0 {
			return Destination{}, errors.New("destination chat id is zero")
		}
		return Destination{ChatID: id}, nil
	}
	name := strings.TrimPrefix(s, "@")
	if name == "" || strings.ContainsAny(name, " \t\n/") {
		return Destination{}, errors.New("invalid channel name " + strconv.Quote(raw))
	}
	return Destination{Channel: "@" + name}, nil
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Audio is an outgoing audio message backed by a local file.
type Audio struct {
	Path      string
	Caption   string
	Title     string
	Performer string
	Duration  time.Duration
}

// TextSender is the minimal sending surface (used by the log sink).
type TextSender interface {
	SendText(ctx context.Context, to Destination, text string, opt *SendOptions) error
}

// Gateway delivers messages to chats and channels.
//
// Implementations must wrap errors that mean the recipient can never be reached
// again (blocked, deactivated, chat gone, no rights) with Unreachable.
type Gateway interface {
	TextSender
	SendAudio(ctx context.Context, to Destination, a Audio, opt *SendOptions) error
}

var ErrUnreachable = errors.New("recipient unreachable")

// Unreachable marks err as a permanent delivery failure.
func Unreachable(err error) error {
	if err == nil {
		return nil
	}
	return unreachableError{err: err}
}

// IsUnreachable reports whether err (or anything it wraps) is a permanent delivery failure.
func IsUnreachable(err error) bool { return errors.Is(err, ErrUnreachable) }

type unreachableError struct{ err error }

func (e unreachableError) Error() string   { return "recipient unreachable: " + e.err.Error() }
func (e unreachableError) Unwrap() []error { return []error{ErrUnreachable, e.err} }
