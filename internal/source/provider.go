// Package source resolves a track to a local audio file by trying an ordered
// chain of providers, caching the first valid result.
package source

import (
	"context"
	"errors"

	"dailytrack/internal/assetcache"
)

var (
	// ErrNoAsset means every provider failed; the caller falls back to text.
	ErrNoAsset = errors.New("no audio asset")
	// ErrSkip means the provider cannot serve this request (for example no preview URL).
	ErrSkip = errors.New("provider not applicable")
)

// Request identifies the track to fetch.
type Request struct {
	Title      string
	Artist     string
	PreviewURL string
	TrackURL   string // canonical catalog link, used by spotdl when present

	// Dest is the cache path without extension; providers append their own.
	Dest string
}

// Provider downloads audio for a request and returns the local file path.
type Provider interface {
	Name() string
	Kind() assetcache.Kind
	Fetch(ctx context.Context, req Request) (string, error)
}

// Result is a resolved asset.
type Result struct {
	Path        string
	Source      string
	Fingerprint string
	Cached      bool
	Preview     bool
}
