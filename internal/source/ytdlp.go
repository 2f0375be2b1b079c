package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dailytrack/internal/assetcache"
)

// YTDLP searches YouTube for "artist title audio" and extracts mp3 at 192k.
type YTDLP struct {
	Binary         string
	AttemptTimeout time.Duration
	Run            Runner
}

func (p *YTDLP) Name() string           { return "ytdlp" }
func (p *YTDLP) Kind() assetcache.Kind  { return assetcache.KindFull }
func (p *YTDLP) Timeout() time.Duration { return p.AttemptTimeout }

func (p *YTDLP) Fetch(ctx context.Context, req Request) (string, error) {
	if req.Dest == "" {
		return "", fmt.Errorf("ytdlp: destination required")
	}
	query := strings.TrimSpace(req.Artist + " " + req.Title + " audio")
	args := []string{
		"ytsearch1:" + query,
		"--no-playlist",
		"--quiet",
		"--no-warnings",
		"--socket-timeout", "30",
		"-x",
		"--audio-format", "mp3",
		"--audio-quality", "192K",
		"-o", req.Dest + ".%(ext)s",
	}
	out := req.Dest + ".mp3"
	if _, err := orRunner(p.Run)(ctx, orDefault(p.Binary, "yt-dlp"), args...); err != nil {
		return out, err
	}
	return out, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func orRunner(r Runner) Runner {
	if r != nil {
		return r
	}
	return ExecRunner
}
