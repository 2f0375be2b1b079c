// Package lyrics looks up song lyrics from lyrics.ovh. Lookups are best-effort.
package lyrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
)

const DefaultBaseURL = "https://api.lyrics.ovh"

var ErrNotFound = errors.New("lyrics not found")

type Client struct {
	base string
	http *resty.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: resty.New().SetTimeout(timeout).SetHeader("User-Agent", "Mozilla/5.0"),
	}
}

// Lookup returns the trimmed lyrics text or ErrNotFound.
func (c *Client) Lookup(ctx context.Context, title, artist string) (string, error) {
	title, artist = strings.TrimSpace(title), strings.TrimSpace(artist)
	if title == "" || artist == "" {
		return "", ErrNotFound
	}
	resp, err := c.http.R().
		SetContext(ctx).
		Get(c.base + "/v1/" + url.PathEscape(artist) + "/" + url.PathEscape(title))
	if err != nil {
		return "", fmt.Errorf("lyrics: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", ErrNotFound
	default:
		return "", fmt.Errorf("lyrics: http %d", resp.StatusCode())
	}
	var body struct {
		Lyrics string `json:"lyrics"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("lyrics: decode: %w", err)
	}
	text := strings.TrimSpace(strings.ReplaceAll(body.Lyrics, "\r\n", "\n"))
	if text == "" {
		return "", ErrNotFound
	}
	return text, nil
}

// Snippet keeps the first maxLines non-empty lines and appends "..." when more remain.
func Snippet(text string, maxLines int) string {
	if maxLines <= 0 {
		maxLines = 6
	}
	var kept []string
	more := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(kept) == maxLines {
			more = true
			break
		}
		kept = append(kept, line)
	}
	out := strings.Join(kept, "\n")
	if more {
		out += "\n..."
	}
	return out
}
