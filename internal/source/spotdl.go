package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dailytrack/internal/assetcache"
)

// SpotDL downloads by catalog URL when known, otherwise by "artist - title".
type SpotDL struct {
	Binary         string
	AttemptTimeout time.Duration
	Run            Runner
}

func (p *SpotDL) Name() string           { return "spotdl" }
func (p *SpotDL) Kind() assetcache.Kind  { return assetcache.KindFull }
func (p *SpotDL) Timeout() time.Duration { return p.AttemptTimeout }

func (p *SpotDL) Fetch(ctx context.Context, req Request) (string, error) {
	if req.Dest == "" {
		return "", fmt.Errorf("spotdl: destination required")
	}
	query := strings.TrimSpace(req.TrackURL)
	if query == "" {
		query = strings.TrimSpace(req.Artist + " - " + req.Title)
	}
	args := []string{
		"download", query,
		"--format", "mp3",
		"--bitrate", "192k",
		"--output", req.Dest + ".{output-ext}",
	}
	out := req.Dest + ".mp3"
	if _, err := orRunner(p.Run)(ctx, orDefault(p.Binary, "spotdl"), args...); err != nil {
		return out, err
	}
	return out, nil
}
