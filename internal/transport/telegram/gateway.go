// Package telegram delivers messages through the Bot API using telebot.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"dailytrack/internal/transport"
	logx "dailytrack/pkg/logx"
)

const (
	textLimit    = 4000
	captionLimit = 1024
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint; empty means api.telegram.org.
	APIURL string
	// SendTimeout bounds one Bot API call, uploads included.
	SendTimeout time.Duration
	// Offline skips the getMe probe at construction.
	Offline bool
}

// Gateway implements transport.Gateway. It never polls for updates.
type Gateway struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

var _ transport.Gateway = (*Gateway)(nil)

func New(cfg Config, log logx.Logger) (*Gateway, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimSpace(cfg.APIURL),
		Client:  &http.Client{Timeout: cfg.SendTimeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	return &Gateway{cfg: cfg, log: log, bot: b}, nil
}

// SendText sends text, split into chunks Telegram accepts. A failure on any
// chunk stops the remaining ones.
func (g *Gateway) SendText(ctx context.Context, to transport.Destination, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	rcpt := recipient(to)
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := g.bot.Send(rcpt, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

// SendAudio uploads a local file. The caption is cut to the Bot API limit.
func (g *Gateway) SendAudio(ctx context.Context, to transport.Destination, a transport.Audio, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &tele.Audio{
		File:      tele.FromDisk(a.Path),
		Caption:   TrimRunes(a.Caption, captionLimit),
		Title:     a.Title,
		Performer: a.Performer,
		Duration:  int(a.Duration / time.Second),
	}
	_, err := g.bot.Send(recipient(to), msg, &tele.SendOptions{
		ParseMode: opt.ParseMode,
		ThreadID:  to.ThreadID,
	})
	if err != nil {
		return classify(err)
	}
	g.log.Debug("audio sent", logx.String("to", to.String()), logx.String("title", a.Title))
	return nil
}

// channelRecipient addresses a public channel by its @name.
type channelRecipient string

func (c channelRecipient) Recipient() string { return string(c) }

func recipient(to transport.Destination) tele.Recipient {
	if c := strings.TrimSpace(to.Channel); c != "" {
		if !strings.HasPrefix(c, "@") {
			c = "@" + c
		}
		return channelRecipient(c)
	}
	return &tele.Chat{ID: to.ChatID}
}

var permanent = []error{
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrChatNotFound,
	tele.ErrKickedFromGroup,
	tele.ErrKickedFromSuperGroup,
	tele.ErrNotStartedByUser,
}

var permanentPhrases = []string{
	"bot was blocked",
	"user is deactivated",
	"chat not found",
	"not enough rights",
	"have no rights to send",
	"need administrator rights",
	"bot is not a member",
	"bot was kicked",
	"can't initiate conversation",
}

// classify wraps errors that mean the destination can never be reached with
// transport.Unreachable. Everything else (flood waits, network, 5xx) passes through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return transport.Unreachable(err)
		}
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == http.StatusForbidden {
		return transport.Unreachable(err)
	}
	msg := strings.ToLower(err.Error())
	for _, p := range permanentPhrases {
		if strings.Contains(msg, p) {
			return transport.Unreachable(err)
		}
	}
	return err
}

// TrimRunes cuts s to at most limit runes, ending with "..." when cut.
func TrimRunes(s string, limit int) string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return s
	}
	if limit <= 3 {
		return string(rs[:limit])
	}
	return string(rs[:limit-3]) + "..."
}

// splitText cuts s into chunks of at most limit runes. It prefers newline
// boundaries and, for HTML, never cuts inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, tele.ModeHTML)

	out := make([]string, 0, len(rs)/limit+1)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if html && end < len(rs) {
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start {
				end = open
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
