package assetcache

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"dailytrack/internal/storage"
)

type memIndex struct {
	mu     sync.Mutex
	assets map[string]storage.Asset
}

func newMemIndex() *memIndex { return &memIndex{assets: map[string]storage.Asset{}} }

func (m *memIndex) GetAsset(_ context.Context, fp string) (storage.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[fp]
	if !ok {
		return storage.Asset{}, storage.ErrNotFound
	}
	return a, nil
}

func (m *memIndex) PutAsset(_ context.Context, a storage.Asset) error {
	m.mu.Lock()
	m.assets[a.Fingerprint] = a
	m.mu.Unlock()
	return nil
}

func (m *memIndex) DeleteAsset(_ context.Context, fp string) error {
	m.mu.Lock()
	delete(m.assets, fp)
	m.mu.Unlock()
	return nil
}

func (m *memIndex) ListAssets(context.Context) ([]storage.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.Asset, 0, len(m.assets))
	for _, a := range m.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func writeFile(t *testing.T, fs afero.Fs, path string, size int) {
	t.Helper()
	if err := afero.WriteFile(fs, path, bytes.Repeat([]byte{1}, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func exists(fs afero.Fs, path string) bool {
	ok, _ := afero.Exists(fs, path)
	return ok
}

func TestFingerprintNormalizes(t *testing.T) {
	t.Parallel()
	a := Fingerprint("Bohemian Rhapsody", "Queen")
	b := Fingerprint("  bohemian   rhapsody!", "QUEEN ")
	if a != b {
		t.Fatalf("fingerprints differ: %s vs %s", a, b)
	}
	if a == Fingerprint("Bohemian Rhapsody", "Queens") {
		t.Fatal("different artist must change the fingerprint")
	}
	if URLFingerprint("https://p.scdn.co/mp3-preview/x") == a {
		t.Fatal("url fingerprint must not collide with track fingerprint")
	}
}

func TestValidateSizes(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	c, err := New(fs, "/cache", newMemIndex(), WithLimits(Limits{MinFullBytes: 500 * 1024, MaxBytes: 2 << 20}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	tests := []struct {
		name    string
		size    int
		kind    Kind
		wantErr bool
	}{
		{name: "50KB full rejected", size: 50 * 1024, kind: KindFull, wantErr: true},
		{name: "50KB preview accepted", size: 50 * 1024, kind: KindPreview},
		{name: "600KB full accepted", size: 600 * 1024, kind: KindFull},
		{name: "empty preview rejected", size: 0, kind: KindPreview, wantErr: true},
		{name: "over max rejected", size: 3 << 20, kind: KindFull, wantErr: true},
	}
	for i, tt := range tests {
		path := c.PathFor(Fingerprint(tt.name, "x"), "mp3")
		writeFile(t, fs, path, tt.size)
		a, err := c.Put(ctx, Fingerprint(tt.name, "x"), path, "ytdlp", tt.kind)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidAsset) {
				t.Fatalf("%d %s: err = %v, want ErrInvalidAsset", i, tt.name, err)
			}
			if exists(fs, path) {
				t.Fatalf("%s: invalid file must be deleted", tt.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if a.Size != int64(tt.size) {
			t.Fatalf("%s: size = %d", tt.name, a.Size)
		}
		if tt.kind == KindPreview && a.Source != SourcePreview {
			t.Fatalf("%s: source = %q, want preview tag", tt.name, a.Source)
		}
	}
}

func TestGetHitAndStaleEntry(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	idx := newMemIndex()
	c, _ := New(fs, "/cache", idx)
	ctx := context.Background()

	fp := Fingerprint("Song", "Artist")
	path := c.PathFor(fp, ".mp3")
	writeFile(t, fs, path, 600*1024)
	if _, err := c.Put(ctx, fp, path, "spotdl", KindFull); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if a, ok := c.Get(ctx, fp); !ok || a.Path != path {
		t.Fatalf("Get = %+v, %v", a, ok)
	}

	_ = fs.Remove(path)
	if _, ok := c.Get(ctx, fp); ok {
		t.Fatal("entry with missing file must miss")
	}
	if _, err := idx.GetAsset(ctx, fp); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("stale index entry must be removed")
	}
}

func TestSweepYoungAndOld(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	idx := newMemIndex()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	c, _ := New(fs, "/cache", idx, WithRetention(6*time.Hour), WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	put := func(name string, at time.Time) string {
		clock = at
		fp := Fingerprint(name, "a")
		path := c.PathFor(fp, ".mp3")
		writeFile(t, fs, path, 600*1024)
		_ = fs.Chtimes(path, at, at)
		if _, err := c.Put(ctx, fp, path, "ytdlp", KindFull); err != nil {
			t.Fatalf("Put %s: %v", name, err)
		}
		return path
	}
	old := put("old", now.Add(-7*time.Hour))
	young := put("young", now.Add(-time.Hour))

	orphan := "/cache/leftover.part"
	writeFile(t, fs, orphan, 10)
	_ = fs.Chtimes(orphan, now.Add(-8*time.Hour), now.Add(-8*time.Hour))
	fresh := "/cache/fresh.part"
	writeFile(t, fs, fresh, 10)
	_ = fs.Chtimes(fresh, now, now)

	clock = now
	res, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Removed != 1 || res.Orphans != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if exists(fs, old) || exists(fs, orphan) {
		t.Fatal("old asset and orphan must be removed")
	}
	if !exists(fs, young) || !exists(fs, fresh) {
		t.Fatal("young asset and fresh file must survive")
	}
	if _, ok := c.Get(ctx, Fingerprint("young", "a")); !ok {
		t.Fatal("young asset must still hit")
	}
}

type failingRemoveFs struct {
	afero.Fs
	fail string
}

func (f failingRemoveFs) Remove(name string) error {
	if name == f.fail {
		return errors.New("permission denied")
	}
	return f.Fs.Remove(name)
}

func TestSweepSkipsFailures(t *testing.T) {
	t.Parallel()
	mem := afero.NewMemMapFs()
	idx := newMemIndex()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	stuck := "/cache/stuck.mp3"
	fs := failingRemoveFs{Fs: mem, fail: stuck}
	c, _ := New(fs, "/cache", idx, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for _, p := range []string{stuck, "/cache/gone.mp3"} {
		writeFile(t, mem, p, 600*1024)
		_ = idx.PutAsset(ctx, storage.Asset{Fingerprint: p, Path: p, Size: 600 * 1024, CreatedAt: now.Add(-24 * time.Hour)})
	}
	res, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Removed != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !exists(mem, stuck) {
		t.Fatal("stuck file should remain")
	}
}
