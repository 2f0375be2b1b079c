// Package spotify implements catalog.Catalog on the Spotify Web API using the
// client-credentials flow.
package spotify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"dailytrack/internal/catalog"
	logx "dailytrack/pkg/logx"
)

const (
	DefaultAPIBase = "https://api.spotify.com/v1"
	DefaultAuthURL = "https://accounts.spotify.com/api/token"

	keywordsPerGenre = 3
	perKeyword       = 20
	poolLimit        = 50
	playlistTracks   = 30
)

var ErrNoCredentials = errors.New("spotify: client id and secret required")

type Config struct {
	ClientID     string
	ClientSecret string
	Market       string
	APIBase      string
	AuthURL      string
	Timeout      time.Duration
	RatePerSec   float64
}

type Client struct {
	cfg     Config
	http    *resty.Client
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, ErrNoCredentials
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    resty.New().SetTimeout(cfg.Timeout).SetHeader("Accept", "application/json"),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 2),
		log:     log.With(logx.String("comp", "spotify")),
		now:     time.Now,
	}, nil
}

// SearchByGenre expands the genre into keywords, tops up thin results from
// popular playlists, de-duplicates, and drops excludeIDs. A market search
// that finds nothing is retried without a market.
func (c *Client) SearchByGenre(ctx context.Context, genre string, excludeIDs []string) ([]catalog.Track, error) {
	genre = strings.ToLower(strings.TrimSpace(genre))
	if genre == "" {
		return nil, errors.New("spotify: genre required")
	}
	pool, err := c.searchGenre(ctx, genre, c.cfg.Market)
	if err != nil {
		return nil, err
	}
	if len(pool) == 0 && c.cfg.Market != "" {
		c.log.Info("no tracks in market; retrying without market", logx.String("genre", genre), logx.String("market", c.cfg.Market))
		if pool, err = c.searchGenre(ctx, genre, ""); err != nil {
			return nil, err
		}
	}
	if len(excludeIDs) == 0 {
		return pool, nil
	}
	skip := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		skip[id] = struct{}{}
	}
	out := pool[:0:0]
	for _, t := range pool {
		if _, ok := skip[t.ID]; !ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *Client) searchGenre(ctx context.Context, genre, market string) ([]catalog.Track, error) {
	var (
		tracks  []catalog.Track
		lastErr error
		okCalls int
	)
	for _, kw := range Keywords(genre, keywordsPerGenre) {
		items, err := c.searchTracks(ctx, kw, market)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			c.log.Warn("keyword search failed", logx.String("keyword", kw), logx.Err(err))
			continue
		}
		okCalls++
		tracks = append(tracks, items...)
		if len(tracks) >= poolLimit {
			break
		}
	}
	if len(tracks) < perKeyword {
		tracks = append(tracks, c.fromPlaylists(ctx, genre, poolLimit-len(tracks))...)
	}
	tracks = dedupe(tracks, poolLimit)
	if len(tracks) == 0 && okCalls == 0 && lastErr != nil {
		return nil, fmt.Errorf("spotify search %q: %w", genre, lastErr)
	}
	c.log.Debug("genre pool", logx.String("genre", genre), logx.String("market", market), logx.Int("tracks", len(tracks)))
	return tracks, nil
}

func (c *Client) fromPlaylists(ctx context.Context, genre string, limit int) []catalog.Track {
	var out []catalog.Track
	for _, name := range popularPlaylists[genre] {
		if len(out) >= limit || ctx.Err() != nil {
			break
		}
		ids, err := c.searchPlaylists(ctx, name, 1)
		if err != nil || len(ids) == 0 {
			continue
		}
		items, err := c.playlistTracks(ctx, ids[0], playlistTracks)
		if err != nil {
			c.log.Warn("playlist tracks failed", logx.String("playlist", name), logx.Err(err))
			continue
		}
		out = append(out, items...)
	}
	if len(out) >= 10 {
		return out
	}
	for _, kw := range Keywords(genre, 2) {
		if len(out) >= limit || ctx.Err() != nil {
			break
		}
		ids, err := c.searchPlaylists(ctx, kw+" playlist", 3)
		if err != nil {
			continue
		}
		for _, id := range ids {
			items, err := c.playlistTracks(ctx, id, 20)
			if err != nil {
				continue
			}
			out = append(out, items...)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

func dedupe(in []catalog.Track, limit int) []catalog.Track {
	seen := make(map[string]struct{}, len(in))
	out := make([]catalog.Track, 0, len(in))
	for _, t := range in {
		if t.ID == "" {
			continue
		}
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out
}

type trackObject struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	DurationMs int    `json:"duration_ms"`
	PreviewURL string `json:"preview_url"`
	Artists    []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Album struct {
		Name string `json:"name"`
	} `json:"album"`
	ExternalURLs struct {
		Spotify string `json:"spotify"`
	} `json:"external_urls"`
}

func (o *trackObject) toTrack() catalog.Track {
	t := catalog.Track{
		ID:         o.ID,
		Title:      o.Name,
		Album:      o.Album.Name,
		DurationMs: o.DurationMs,
		SpotifyURL: o.ExternalURLs.Spotify,
		PreviewURL: o.PreviewURL,
	}
	if t.Title == "" {
		t.Title = "Unknown Track"
	}
	if t.Album == "" {
		t.Album = "Unknown Album"
	}
	for _, a := range o.Artists {
		if a.Name != "" {
			t.Artists = append(t.Artists, a.Name)
		}
	}
	return t
}

func (c *Client) searchTracks(ctx context.Context, q, market string) ([]catalog.Track, error) {
	params := map[string]string{"q": q, "type": "track", "limit": strconv.Itoa(perKeyword)}
	if market != "" {
		params["market"] = market
	}
	var body struct {
		Tracks struct {
			Items []*trackObject `json:"items"`
		} `json:"tracks"`
	}
	if err := c.get(ctx, "/search", params, &body); err != nil {
		return nil, err
	}
	out := make([]catalog.Track, 0, len(body.Tracks.Items))
	for _, it := range body.Tracks.Items {
		if it != nil && it.ID != "" {
			out = append(out, it.toTrack())
		}
	}
	return out, nil
}

func (c *Client) searchPlaylists(ctx context.Context, q string, limit int) ([]string, error) {
	var body struct {
		Playlists struct {
			Items []*struct {
				ID string `json:"id"`
			} `json:"items"`
		} `json:"playlists"`
	}
	if err := c.get(ctx, "/search", map[string]string{"q": q, "type": "playlist", "limit": strconv.Itoa(limit)}, &body); err != nil {
		return nil, err
	}
	var ids []string
	for _, it := range body.Playlists.Items {
		if it != nil && it.ID != "" {
			ids = append(ids, it.ID)
		}
	}
	return ids, nil
}

func (c *Client) playlistTracks(ctx context.Context, id string, limit int) ([]catalog.Track, error) {
	var body struct {
		Items []*struct {
			Track *trackObject `json:"track"`
		} `json:"items"`
	}
	path := "/playlists/" + url.PathEscape(id) + "/tracks"
	if err := c.get(ctx, path, map[string]string{"limit": strconv.Itoa(limit)}, &body); err != nil {
		return nil, err
	}
	var out []catalog.Track
	for _, it := range body.Items {
		if it != nil && it.Track != nil && it.Track.ID != "" {
			out = append(out, it.Track.toTrack())
		}
	}
	return out, nil
}

// get issues a rate-limited API call and decodes the JSON body into v.
// A 401 drops the cached token and retries once.
func (c *Client) get(ctx context.Context, path string, params map[string]string, v any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetQueryParams(params).
			Get(c.cfg.APIBase + path)
		if err != nil {
			return fmt.Errorf("spotify %s: %w", path, err)
		}
		switch resp.StatusCode() {
		case http.StatusOK:
			if err := json.Unmarshal(resp.Body(), v); err != nil {
				return fmt.Errorf("spotify %s: decode: %w", path, err)
			}
			return nil
		case http.StatusUnauthorized:
			c.invalidateToken()
			continue
		default:
			return fmt.Errorf("spotify %s: http %d: %s", path, resp.StatusCode(), snippet(resp.Body()))
		}
	}
	return fmt.Errorf("spotify %s: unauthorized", path)
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		return c.token, nil
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		Post(c.cfg.AuthURL)
	if err != nil {
		return "", fmt.Errorf("spotify token: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("spotify token: http %d: %s", resp.StatusCode(), snippet(resp.Body()))
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(resp.Body(), &tok); err != nil {
		return "", fmt.Errorf("spotify token: decode: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("spotify token: empty access_token")
	}
	ttl := time.Duration(tok.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	if ttl > 2*time.Minute {
		// Refresh a minute early.
		ttl -= time.Minute
	}
	c.token = tok.AccessToken
	c.tokenExp = c.now().Add(ttl)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
