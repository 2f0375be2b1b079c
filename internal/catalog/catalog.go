// Package catalog defines the track catalog the selector draws from.
package catalog

import (
	"context"
	"fmt"
	"strings"
)

// Track is a candidate track. It is never persisted.
type Track struct {
	ID         string
	Title      string
	Artists    []string
	Album      string
	DurationMs int
	SpotifyURL string
	PreviewURL string
}

// ArtistLine joins the artist names, or "Unknown Artist".
func (t Track) ArtistLine() string {
	if len(t.Artists) == 0 {
		return "Unknown Artist"
	}
	return strings.Join(t.Artists, ", ")
}

// PrimaryArtist is the first listed artist.
func (t Track) PrimaryArtist() string {
	if len(t.Artists) == 0 {
		return ""
	}
	return t.Artists[0]
}

// Duration renders DurationMs as m:ss.
func (t Track) Duration() string {
	if t.DurationMs <= 0 {
		return "0:00"
	}
	return fmt.Sprintf("%d:%02d", t.DurationMs/60000, (t.DurationMs%60000)/1000)
}

// Catalog returns candidate tracks for a genre, leaving out excludeIDs.
// An empty result with a nil error means the genre has no tracks.
type Catalog interface {
	SearchByGenre(ctx context.Context, genre string, excludeIDs []string) ([]Track, error)
}
