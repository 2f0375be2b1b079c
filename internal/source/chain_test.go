package source

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"dailytrack/internal/assetcache"
	"dailytrack/internal/storage"
	logx "dailytrack/pkg/logx"
)

type fakeProvider struct {
	name  string
	kind  assetcache.Kind
	size  int // bytes written; 0 means fail
	fs    afero.Fs
	calls atomic.Int32
	delay time.Duration
}

func (f *fakeProvider) Name() string          { return f.name }
func (f *fakeProvider) Kind() assetcache.Kind { return f.kind }

func (f *fakeProvider) Fetch(ctx context.Context, req Request) (string, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.size == 0 {
		return "", errors.New(f.name + " unavailable")
	}
	out := req.Dest + ".mp3"
	if err := afero.WriteFile(f.fs, out, bytes.Repeat([]byte{7}, f.size), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func newCache(t *testing.T, fs afero.Fs) *assetcache.Cache {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	c, err := assetcache.New(fs, "/cache", st)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	return c
}

const full = 600 * 1024

func TestChainFallbackOrder(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	a := &fakeProvider{name: "a", fs: fs}
	b := &fakeProvider{name: "b", fs: fs}
	c := &fakeProvider{name: "c", fs: fs, size: full}
	chain, err := NewChain(newCache(t, fs), []Provider{a, b, c})
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}

	res, err := chain.Resolve(context.Background(), Request{Title: "Song", Artist: "Band"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Source != "c" || res.Cached {
		t.Fatalf("result = %+v, want fresh from c", res)
	}
	if a.calls.Load() != 1 || b.calls.Load() != 1 || c.calls.Load() != 1 {
		t.Fatalf("calls a=%d b=%d c=%d", a.calls.Load(), b.calls.Load(), c.calls.Load())
	}

	// Second resolution is a cache hit with no provider calls.
	res, err = chain.Resolve(context.Background(), Request{Title: "song", Artist: "BAND"})
	if err != nil || !res.Cached {
		t.Fatalf("second Resolve = %+v, %v", res, err)
	}
	if c.calls.Load() != 1 || a.calls.Load() != 1 {
		t.Fatal("cache hit must not call providers")
	}
}

func TestChainAllFail(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	ps := []Provider{&fakeProvider{name: "a", fs: fs}, &fakeProvider{name: "b", fs: fs}, &fakeProvider{name: "c", fs: fs}}
	chain, _ := NewChain(newCache(t, fs), ps)

	_, err := chain.Resolve(context.Background(), Request{Title: "Song", Artist: "Band"})
	if !errors.Is(err, ErrNoAsset) {
		t.Fatalf("err = %v, want ErrNoAsset", err)
	}
	for _, name := range []string{"a unavailable", "b unavailable", "c unavailable"} {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("error %q does not mention %q", err, name)
		}
	}
}

func TestChainRejectsSmallFullTrackAcceptsPreview(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	small := &fakeProvider{name: "ytdlp", fs: fs, size: 50 * 1024}
	preview := &fakeProvider{name: "preview", kind: assetcache.KindPreview, fs: fs, size: 50 * 1024}
	chain, _ := NewChain(newCache(t, fs), []Provider{small, preview})

	res, err := chain.Resolve(context.Background(), Request{Title: "Song", Artist: "Band", PreviewURL: "https://p.example/x"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Source != "preview" || !res.Preview {
		t.Fatalf("result = %+v", res)
	}
	rejected := filepath.Join("/cache", assetcache.Fingerprint("Song", "Band")+".mp3")
	if ok, _ := afero.Exists(fs, rejected); ok {
		t.Fatal("rejected full-track file must be deleted")
	}
	if res.Fingerprint != assetcache.URLFingerprint("https://p.example/x") {
		t.Fatal("preview must be cached under its URL fingerprint")
	}

	// Without a preview URL the preview provider is skipped, not failed.
	_, err = chain.Resolve(context.Background(), Request{Title: "Other", Artist: "Band"})
	if !errors.Is(err, ErrNoAsset) || strings.Contains(err.Error(), "preview") {
		t.Fatalf("err = %v", err)
	}
}

func TestChainJoinsConcurrentResolutions(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	slow := &fakeProvider{name: "slow", fs: fs, size: full, delay: 100 * time.Millisecond}
	chain, _ := NewChain(newCache(t, fs), []Provider{slow})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := chain.Resolve(context.Background(), Request{Title: "Song", Artist: "Band"}); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := slow.calls.Load(); n != 1 {
		t.Fatalf("provider calls = %d, want 1", n)
	}
}

func TestChainBreakerOpens(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	bad := &fakeProvider{name: "bad", fs: fs}
	good := &fakeProvider{name: "good", fs: fs, size: full}
	chain, _ := NewChain(newCache(t, fs), []Provider{bad, good}, WithBreaker(BreakerConfig{Failures: 2, Cooldown: time.Hour}))

	for i, title := range []string{"one", "two", "three", "four"} {
		if _, err := chain.Resolve(context.Background(), Request{Title: title, Artist: "x"}); err != nil {
			t.Fatalf("Resolve %d: %v", i, err)
		}
	}
	if n := bad.calls.Load(); n != 2 {
		t.Fatalf("bad provider calls = %d, want 2 before the breaker opened", n)
	}
}

func TestProviderTimeout(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	hang := &fakeProvider{name: "hang", fs: fs, size: full, delay: time.Second}
	good := &fakeProvider{name: "good", fs: fs, size: full}
	chain, _ := NewChain(newCache(t, fs), []Provider{hang, good}, WithTimeout(20*time.Millisecond))

	res, err := chain.Resolve(context.Background(), Request{Title: "Song", Artist: "Band"})
	if err != nil || res.Source != "good" {
		t.Fatalf("Resolve = %+v, %v", res, err)
	}
}

func TestYTDLPArgs(t *testing.T) {
	t.Parallel()
	var gotName string
	var gotArgs []string
	p := &YTDLP{Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return nil, nil
	}}
	out, err := p.Fetch(context.Background(), Request{Title: "Song", Artist: "Band", Dest: "/cache/abc"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if out != "/cache/abc.mp3" || gotName != "yt-dlp" {
		t.Fatalf("out=%s name=%s", out, gotName)
	}
	joined := strings.Join(gotArgs, " ")
	for _, want := range []string{"ytsearch1:Band Song audio", "--audio-format mp3", "--audio-quality 192K", "--socket-timeout 30", "-o /cache/abc.%(ext)s"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args %q missing %q", joined, want)
		}
	}
}

func TestSpotDLPrefersTrackURL(t *testing.T) {
	t.Parallel()
	var gotArgs []string
	p := &SpotDL{Binary: "/opt/spotdl", Run: func(_ context.Context, _ string, args ...string) ([]byte, error) {
		gotArgs = args
		return nil, errors.New("exit status 1")
	}}
	_, err := p.Fetch(context.Background(), Request{Title: "Song", Artist: "Band", TrackURL: "https://open.spotify.com/track/1", Dest: "/cache/x"})
	if err == nil {
		t.Fatal("expected runner error")
	}
	if len(gotArgs) < 2 || gotArgs[1] != "https://open.spotify.com/track/1" {
		t.Fatalf("args = %v", gotArgs)
	}
}

func TestPreviewDownload(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(bytes.Repeat([]byte{1}, 4096))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	p := NewPreview(fs, 1024, time.Second)

	out, err := p.Fetch(context.Background(), Request{PreviewURL: srv.URL + "/clip", Dest: "/cache/p"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	fi, err := fs.Stat(out)
	if err != nil || fi.Size() != 1025 {
		t.Fatalf("stat = %v, %v; want size capped at max+1", fi, err)
	}
	if _, err := p.Fetch(context.Background(), Request{PreviewURL: srv.URL + "/missing", Dest: "/cache/q"}); err == nil {
		t.Fatal("expected error for 404")
	}
	if _, err := p.Fetch(context.Background(), Request{Dest: "/cache/r"}); !errors.Is(err, ErrSkip) {
		t.Fatalf("err = %v, want ErrSkip", err)
	}
}
