package assetcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"dailytrack/internal/eventbus"
	"dailytrack/internal/metrics"
	logx "dailytrack/pkg/logx"
)

// SweepResult summarizes one eviction pass.
type SweepResult struct {
	Removed int
	Orphans int
	Failed  int
	Bytes   int64
}

// Sweep deletes indexed assets older than the retention window, then files in
// the cache dir that nothing indexes and that are older than the window.
// Individual failures are logged and skipped.
func (c *Cache) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	retention := c.Retention()
	cutoff := c.now().Add(-retention)

	assets, err := c.index.ListAssets(ctx)
	if err != nil {
		return res, err
	}
	indexed := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !a.CreatedAt.Before(cutoff) {
			indexed[filepath.Clean(a.Path)] = struct{}{}
			continue
		}
		if err := c.fs.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			res.Failed++
			c.log.Warn("evict failed", logx.String("path", a.Path), logx.Err(err))
			indexed[filepath.Clean(a.Path)] = struct{}{}
			continue
		}
		if err := c.index.DeleteAsset(ctx, a.Fingerprint); err != nil {
			res.Failed++
			c.log.Warn("evict index delete failed", logx.String("fp", a.Fingerprint), logx.Err(err))
			continue
		}
		res.Removed++
		res.Bytes += a.Size
		c.evicted(a.Path, a.Size, "expired")
	}

	walkErr := afero.Walk(c.fs, c.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			c.log.Warn("sweep walk", logx.String("path", path), logx.Err(err))
			return nil
		}
		if info.IsDir() {
			if path != c.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := indexed[filepath.Clean(path)]; ok || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := c.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			res.Failed++
			c.log.Warn("orphan remove failed", logx.String("path", path), logx.Err(err))
			return nil
		}
		res.Orphans++
		res.Bytes += info.Size()
		c.evicted(path, info.Size(), "orphan")
		return nil
	})
	if walkErr != nil {
		c.log.Warn("sweep walk failed", logx.Err(walkErr))
	}

	if res.Removed+res.Orphans+res.Failed > 0 {
		c.log.Info("asset sweep done",
			logx.Int("removed", res.Removed),
			logx.Int("orphans", res.Orphans),
			logx.Int("failed", res.Failed),
			logx.Int64("bytes", res.Bytes),
			logx.Duration("retention", retention))
	}
	return res, nil
}

func (c *Cache) evicted(path string, size int64, reason string) {
	metrics.CacheEvictions.Inc()
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.CacheEvicted, Time: time.Now(), Data: map[string]any{
		"path":   path,
		"size":   size,
		"reason": reason,
	}})
}
