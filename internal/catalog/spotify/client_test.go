package spotify

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"

	logx "dailytrack/pkg/logx"
)

type fakeAPI struct {
	tokens      atomic.Int32
	rejectFirst atomic.Bool
	tracks      func(q, market string) []string
	playlists   map[string]string   // playlist query -> id
	playlistIDs map[string][]string // id -> track ids
}

func trackJSON(id string) map[string]any {
	return map[string]any{
		"id":            id,
		"name":          "Song " + id,
		"duration_ms":   185000,
		"preview_url":   "https://p.example/" + id,
		"artists":       []map[string]any{{"name": "Artist " + id}},
		"album":         map[string]any{"name": "Album"},
		"external_urls": map[string]any{"spotify": "https://open.spotify.com/track/" + id},
	}
}

func (f *fakeAPI) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "id" || p != "secret" {
			http.Error(w, "bad client", http.StatusBadRequest)
			return
		}
		n := f.tokens.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": fmt.Sprintf("tok%d", n), "expires_in": 3600})
	})
	mux.HandleFunc("/v1/search", func(w http.ResponseWriter, r *http.Request) {
		if f.rejectFirst.CompareAndSwap(true, false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		switch q.Get("type") {
		case "track":
			items := []any{nil}
			for _, id := range f.tracks(q.Get("q"), q.Get("market")) {
				items = append(items, trackJSON(id))
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"tracks": map[string]any{"items": items}})
		case "playlist":
			items := []any{}
			if id, ok := f.playlists[q.Get("q")]; ok {
				items = append(items, map[string]any{"id": id})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"playlists": map[string]any{"items": items}})
		}
	})
	mux.HandleFunc("/v1/playlists/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/playlists/"), "/tracks")
		items := []any{}
		for _, tid := range f.playlistIDs[id] {
			items = append(items, map[string]any{"track": trackJSON(tid)})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": items})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *httptest.Server, market string) *Client {
	t.Helper()
	c, err := New(Config{
		ClientID:     "id",
		ClientSecret: "secret",
		Market:       market,
		APIBase:      srv.URL + "/v1",
		AuthURL:      srv.URL + "/token",
		RatePerSec:   1000,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func ids(from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("t%d", i))
	}
	return out
}

func TestSearchByGenreKeywordsDedupeExclude(t *testing.T) {
	t.Parallel()
	var queries atomic.Int32
	api := &fakeAPI{tracks: func(q, market string) []string {
		queries.Add(1)
		if market != "US" {
			t.Errorf("market = %q", market)
		}
		switch q {
		case "pop":
			return ids(1, 10)
		case "pop music":
			return ids(5, 14)
		case "popular":
			return ids(15, 16)
		}
		return nil
	}}
	c := newClient(t, api.server(t), "US")

	got, err := c.SearchByGenre(context.Background(), "Pop", []string{"t1", "t2"})
	if err != nil {
		t.Fatalf("SearchByGenre: %v", err)
	}
	if len(got) != 14 {
		t.Fatalf("tracks = %d, want 14 unique minus 2 excluded", len(got))
	}
	for _, tr := range got {
		if tr.ID == "t1" || tr.ID == "t2" {
			t.Fatalf("excluded id %s returned", tr.ID)
		}
	}
	if got[0].Duration() != "3:05" || got[0].ArtistLine() != "Artist t3" || got[0].SpotifyURL == "" {
		t.Fatalf("track mapping = %+v", got[0])
	}
	if queries.Load() != 3 {
		t.Fatalf("queries = %d, want 3 keywords", queries.Load())
	}
	if api.tokens.Load() != 1 {
		t.Fatalf("token requests = %d, want cached token", api.tokens.Load())
	}
}

func TestSearchByGenrePlaylistFallback(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{
		tracks:      func(string, string) []string { return nil },
		playlists:   map[string]string{"K-Pop ON!": "pl1"},
		playlistIDs: map[string][]string{"pl1": ids(100, 111)},
	}
	c := newClient(t, api.server(t), "")
	got, err := c.SearchByGenre(context.Background(), "kpop", nil)
	if err != nil {
		t.Fatalf("SearchByGenre: %v", err)
	}
	if len(got) != 12 {
		t.Fatalf("tracks = %d, want 12 from playlist", len(got))
	}
}

func TestSearchByGenreRetriesWithoutMarket(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{tracks: func(_ string, market string) []string {
		if market != "" {
			return nil
		}
		return ids(1, 3)
	}}
	c := newClient(t, api.server(t), "IR")
	got, err := c.SearchByGenre(context.Background(), "jazz", nil)
	if err != nil {
		t.Fatalf("SearchByGenre: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("tracks = %d, want 3 from market-less retry", len(got))
	}
}

func TestUnauthorizedRefreshesToken(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{tracks: func(string, string) []string { return ids(1, 25) }}
	api.rejectFirst.Store(true)
	c := newClient(t, api.server(t), "")
	got, err := c.SearchByGenre(context.Background(), "unknown-genre", nil)
	if err != nil {
		t.Fatalf("SearchByGenre: %v", err)
	}
	if len(got) != 25 {
		t.Fatalf("tracks = %d", len(got))
	}
	if api.tokens.Load() != 2 {
		t.Fatalf("token requests = %d, want 2 after a 401", api.tokens.Load())
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ClientID: "x"}, logx.Nop()); err != ErrNoCredentials {
		t.Fatalf("err = %v", err)
	}
}

func TestKeywords(t *testing.T) {
	t.Parallel()
	if got := Keywords("electronic", 3); len(got) != 3 || got[0] != "electronic" {
		t.Fatalf("Keywords = %v", got)
	}
	if got := Keywords("Shoegaze", 3); len(got) != 1 || got[0] != "shoegaze" {
		t.Fatalf("unknown genre = %v", got)
	}
}
