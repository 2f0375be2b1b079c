package source

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/afero"

	"dailytrack/internal/assetcache"
)

// Preview downloads the catalog's 30-second preview clip over HTTP.
type Preview struct {
	Client         *resty.Client
	Fs             afero.Fs
	MaxBytes       int64
	AttemptTimeout time.Duration
}

// NewPreview builds a preview provider writing into fs.
func NewPreview(fs afero.Fs, maxBytes int64, timeout time.Duration) *Preview {
	return &Preview{
		Client:         resty.New().SetHeader("User-Agent", "dailytrack/1.0"),
		Fs:             fs,
		MaxBytes:       maxBytes,
		AttemptTimeout: timeout,
	}
}

func (p *Preview) Name() string           { return "preview" }
func (p *Preview) Kind() assetcache.Kind  { return assetcache.KindPreview }
func (p *Preview) Timeout() time.Duration { return p.AttemptTimeout }

func (p *Preview) Fetch(ctx context.Context, req Request) (string, error) {
	url := strings.TrimSpace(req.PreviewURL)
	if url == "" {
		return "", ErrSkip
	}
	if req.Dest == "" {
		return "", fmt.Errorf("preview: destination required")
	}
	resp, err := p.Client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return "", fmt.Errorf("preview: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("preview: http %d", resp.StatusCode())
	}

	out := req.Dest + ".mp3"
	f, err := p.Fs.Create(out)
	if err != nil {
		return "", fmt.Errorf("preview: create: %w", err)
	}
	var r io.Reader = body
	if p.MaxBytes > 0 {
		// One byte past the limit lets validation reject oversized clips.
		r = io.LimitReader(body, p.MaxBytes+1)
	}
	_, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		return out, fmt.Errorf("preview: download: %w", copyErr)
	}
	if closeErr != nil {
		return out, fmt.Errorf("preview: close: %w", closeErr)
	}
	return out, nil
}
