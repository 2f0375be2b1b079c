// Package assetcache stores downloaded audio under a directory keyed by
// fingerprint, validates sizes, and evicts files past a retention window.
package assetcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/spf13/afero"

	"dailytrack/internal/eventbus"
	"dailytrack/internal/metrics"
	"dailytrack/internal/storage"
	logx "dailytrack/pkg/logx"
)

// ErrInvalidAsset is returned when a file fails size validation. The file is already deleted.
var ErrInvalidAsset = errors.New("invalid asset")

// Kind selects the validation rule for a file.
type Kind int

const (
	// KindFull must exceed Limits.MinFullBytes.
	KindFull Kind = iota
	// KindPreview only needs to be non-empty.
	KindPreview
)

// SourcePreview is the source tag that marks preview assets in the index.
const SourcePreview = "preview"

const (
	DefaultMinFullBytes = 500 * 1024
	DefaultMaxBytes     = 50 * 1024 * 1024
	DefaultRetention    = 6 * time.Hour
)

// Index is the persisted asset table.
type Index interface {
	GetAsset(ctx context.Context, fingerprint string) (storage.Asset, error)
	PutAsset(ctx context.Context, a storage.Asset) error
	DeleteAsset(ctx context.Context, fingerprint string) error
	ListAssets(ctx context.Context) ([]storage.Asset, error)
}

type Limits struct {
	MinFullBytes int64
	MaxBytes     int64
}

type Option func(*Cache)

func WithLogger(log logx.Logger) Option { return func(c *Cache) { c.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(c *Cache) { c.bus = bus } }

func WithLimits(l Limits) Option { return func(c *Cache) { c.limits = l } }

func WithRetention(d time.Duration) Option { return func(c *Cache) { c.retention = d } }

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

type Cache struct {
	fs        afero.Fs
	dir       string
	index     Index
	limits    Limits
	retention time.Duration
	live      atomic.Int64 // retention after SetRetention
	now       func() time.Time
	log       logx.Logger
	bus       eventbus.Bus
}

// New creates dir on fs if needed.
func New(fs afero.Fs, dir string, index Index, opts ...Option) (*Cache, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("asset cache: dir required")
	}
	if index == nil {
		return nil, errors.New("asset cache: index required")
	}
	c := &Cache{
		fs:        fs,
		dir:       filepath.Clean(dir),
		index:     index,
		limits:    Limits{MinFullBytes: DefaultMinFullBytes, MaxBytes: DefaultMaxBytes},
		retention: DefaultRetention,
		now:       time.Now,
		log:       logx.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.limits.MinFullBytes <= 0 {
		c.limits.MinFullBytes = DefaultMinFullBytes
	}
	if c.limits.MaxBytes <= 0 {
		c.limits.MaxBytes = DefaultMaxBytes
	}
	if c.retention <= 0 {
		c.retention = DefaultRetention
	}
	c.live.Store(int64(c.retention))
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return nil, fmt.Errorf("asset cache: mkdir %s: %w", c.dir, err)
	}
	return c, nil
}

func (c *Cache) Fs() afero.Fs             { return c.fs }
func (c *Cache) Dir() string              { return c.dir }
func (c *Cache) Retention() time.Duration { return time.Duration(c.live.Load()) }
func (c *Cache) Limits() Limits           { return c.limits }

// SetRetention changes the window used by later sweeps. Non-positive values are ignored.
func (c *Cache) SetRetention(d time.Duration) {
	if d > 0 {
		c.live.Store(int64(d))
	}
}

// Fingerprint hashes the normalized (artist, title) pair.
func Fingerprint(title, artist string) string {
	return hash(normalize(artist) + "\x00" + normalize(title))
}

// URLFingerprint hashes a provider-specific URL such as a preview link.
func URLFingerprint(url string) string {
	return hash("url\x00" + strings.TrimSpace(url))
}

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

// normalize lowercases, drops punctuation and collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// PathFor returns the cache path for fingerprint with the given extension (".mp3").
func (c *Cache) PathFor(fingerprint, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(c.dir, fingerprint+ext)
}

// Get returns a cached asset whose file still exists and passes validation.
// An indexed asset that fails either check is removed and reported as a miss.
func (c *Cache) Get(ctx context.Context, fingerprint string) (storage.Asset, bool) {
	a, err := c.index.GetAsset(ctx, fingerprint)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.log.Warn("asset index lookup failed", logx.String("fp", fingerprint), logx.Err(err))
		}
		metrics.CacheMisses.Inc()
		return storage.Asset{}, false
	}
	if _, err := c.Validate(a.Path, kindOf(a.Source)); err != nil {
		c.log.Info("cached asset dropped", logx.String("fp", fingerprint), logx.String("path", a.Path), logx.Err(err))
		if err := c.index.DeleteAsset(ctx, fingerprint); err != nil {
			c.log.Warn("asset index delete failed", logx.String("fp", fingerprint), logx.Err(err))
		}
		metrics.CacheMisses.Inc()
		return storage.Asset{}, false
	}
	metrics.CacheHits.Inc()
	return a, true
}

// Validate checks the file at path against the rule for kind. A failing file is deleted.
func (c *Cache) Validate(path string, kind Kind) (int64, error) {
	fi, err := c.fs.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAsset, err)
	}
	if fi.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", ErrInvalidAsset, path)
	}
	size := fi.Size()
	var reason string
	switch {
	case size <= 0:
		reason = "empty file"
	case size > c.limits.MaxBytes:
		reason = fmt.Sprintf("%d bytes exceeds max %d", size, c.limits.MaxBytes)
	case kind == KindFull && size <= c.limits.MinFullBytes:
		reason = fmt.Sprintf("%d bytes below full-track minimum %d", size, c.limits.MinFullBytes)
	}
	if reason == "" {
		return size, nil
	}
	c.remove(path)
	metrics.CacheEvictions.Inc()
	return 0, fmt.Errorf("%w: %s", ErrInvalidAsset, reason)
}

// Put validates the file at path and records it under fingerprint.
func (c *Cache) Put(ctx context.Context, fingerprint, path, source string, kind Kind) (storage.Asset, error) {
	size, err := c.Validate(path, kind)
	if err != nil {
		return storage.Asset{}, err
	}
	if kind == KindPreview {
		source = SourcePreview
	}
	a := storage.Asset{
		Fingerprint: fingerprint,
		Path:        path,
		Size:        size,
		CreatedAt:   c.now().UTC(),
		Source:      source,
	}
	if err := c.index.PutAsset(ctx, a); err != nil {
		return storage.Asset{}, fmt.Errorf("asset index: %w", err)
	}
	return a, nil
}

// Discard deletes a file produced by a failed attempt. Missing files are ignored.
func (c *Cache) Discard(path string) { c.remove(path) }

func (c *Cache) remove(path string) {
	if path == "" {
		return
	}
	if err := c.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.log.Warn("asset remove failed", logx.String("path", path), logx.Err(err))
	}
}

func kindOf(source string) Kind {
	if source == SourcePreview {
		return KindPreview
	}
	return KindFull
}
