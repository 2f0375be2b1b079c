package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "dailytrack/pkg/logx"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// fileStore keeps all state in memory and persists it as:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal since the last snapshot)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
// State is loaded once at open, so edits from another process are not observed.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	writes       int

	profiles   map[int64]Profile
	deliveries map[int64][]DeliveryRecord // oldest first
	assets     map[string]Asset
}

const compactEvery = 1000

const (
	opProfile  = "profile"
	opDelivery = "delivery"
	opPrune    = "prune"
	opAssetPut = "asset.put"
	opAssetDel = "asset.del"
)

type journalEntry struct {
	Op       string          `json:"op"`
	Profile  *Profile        `json:"profile,omitempty"`
	Delivery *DeliveryRecord `json:"delivery,omitempty"`
	Asset    *Asset          `json:"asset,omitempty"`
	Key      string          `json:"key,omitempty"`
	Keep     int             `json:"keep,omitempty"`
}

type fileSnapshot struct {
	Profiles   []Profile        `json:"profiles"`
	Deliveries []DeliveryRecord `json:"deliveries"`
	Assets     []Asset          `json:"assets"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		profiles:     map[int64]Profile{},
		deliveries:   map[int64][]DeliveryRecord{},
		assets:       map[string]Asset{},
	}
	journalPath := prefix + ".journal.jsonl"

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) GetProfile(ctx context.Context, userID int64) (Profile, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return cloneProfile(p), nil
}

func (s *fileStore) PutProfile(ctx context.Context, p Profile) error {
	_ = ctx
	if p.UserID == 0 {
		return errors.New("profile user id is required")
	}
	p = p.Normalize()
	p.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putProfileLocked(p)
}

func (s *fileStore) putProfileLocked(p Profile) error {
	if err := s.appendLocked(journalEntry{Op: opProfile, Profile: &p}); err != nil {
		return err
	}
	s.profiles[p.UserID] = cloneProfile(p)
	return nil
}

func (s *fileStore) ListProfiles(ctx context.Context) ([]Profile, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, cloneProfile(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *fileStore) DisableUser(ctx context.Context, userID int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return ErrNotFound
	}
	p.Active = false
	p.AutoSend = false
	p.UpdatedAt = time.Now().UTC()
	return s.putProfileLocked(p)
}

func (s *fileStore) MarkFired(ctx context.Context, userID int64, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return ErrNotFound
	}
	p.LastFiredAt = at.UTC()
	return s.putProfileLocked(p)
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_ = ctx
	if r.UserID == 0 || strings.TrimSpace(r.TrackID) == "" {
		return errors.New("delivery record requires user id and track id")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.SentAt.IsZero() {
		r.SentAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalEntry{Op: opDelivery, Delivery: &r}); err != nil {
		return err
	}
	s.deliveries[r.UserID] = append(s.deliveries[r.UserID], r)
	return nil
}

func (s *fileStore) RecentTrackIDs(ctx context.Context, userID int64, n int) ([]string, error) {
	_ = ctx
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.deliveries[userID]
	out := make([]string, 0, min(n, len(recs)))
	for i := len(recs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, recs[i].TrackID)
	}
	return out, nil
}

func (s *fileStore) PruneDeliveries(ctx context.Context, keepPerUser int) (int, error) {
	_ = ctx
	if keepPerUser < 0 {
		keepPerUser = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalEntry{Op: opPrune, Keep: keepPerUser}); err != nil {
		return 0, err
	}
	return s.pruneLocked(keepPerUser), nil
}

func (s *fileStore) pruneLocked(keep int) int {
	removed := 0
	for uid, recs := range s.deliveries {
		if len(recs) <= keep {
			continue
		}
		drop := len(recs) - keep
		removed += drop
		s.deliveries[uid] = append([]DeliveryRecord(nil), recs[drop:]...)
	}
	return removed
}

func (s *fileStore) GetAsset(ctx context.Context, fingerprint string) (Asset, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[fingerprint]
	if !ok {
		return Asset{}, ErrNotFound
	}
	return a, nil
}

func (s *fileStore) PutAsset(ctx context.Context, a Asset) error {
	_ = ctx
	if strings.TrimSpace(a.Fingerprint) == "" {
		return errors.New("asset fingerprint is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalEntry{Op: opAssetPut, Asset: &a}); err != nil {
		return err
	}
	s.assets[a.Fingerprint] = a
	return nil
}

func (s *fileStore) DeleteAsset(ctx context.Context, fingerprint string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[fingerprint]; !ok {
		return nil
	}
	if err := s.appendLocked(journalEntry{Op: opAssetDel, Key: fingerprint}); err != nil {
		return err
	}
	delete(s.assets, fingerprint)
	return nil
}

func (s *fileStore) ListAssets(ctx context.Context) ([]Asset, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Asset, 0, len(s.assets))
	for _, a := range s.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fileStore) appendLocked(e journalEntry) error {
	if s.journal == nil {
		return ErrClosed
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.journal.Write(b); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// The entry is already durable in the journal; compaction is best-effort.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

// apply mutates in-memory state without journaling (used by replay).
func (s *fileStore) apply(e journalEntry) {
	switch e.Op {
	case opProfile:
		if e.Profile != nil {
			s.profiles[e.Profile.UserID] = *e.Profile
		}
	case opDelivery:
		if e.Delivery != nil {
			s.deliveries[e.Delivery.UserID] = append(s.deliveries[e.Delivery.UserID], *e.Delivery)
		}
	case opPrune:
		s.pruneLocked(e.Keep)
	case opAssetPut:
		if e.Asset != nil {
			s.assets[e.Asset.Fingerprint] = *e.Asset
		}
	case opAssetDel:
		delete(s.assets, e.Key)
	}
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{
		Profiles: make([]Profile, 0, len(s.profiles)),
		Assets:   make([]Asset, 0, len(s.assets)),
	}
	for _, p := range s.profiles {
		snap.Profiles = append(snap.Profiles, p)
	}
	uids := make([]int64, 0, len(s.deliveries))
	for uid := range s.deliveries {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	for _, uid := range uids {
		snap.Deliveries = append(snap.Deliveries, s.deliveries[uid]...)
	}
	for _, a := range s.assets {
		snap.Assets = append(snap.Assets, a)
	}

	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	for _, p := range snap.Profiles {
		s.profiles[p.UserID] = p
	}
	for _, r := range snap.Deliveries {
		s.deliveries[r.UserID] = append(s.deliveries[r.UserID], r)
	}
	for _, a := range snap.Assets {
		s.assets[a.Fingerprint] = a
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn trailing line after a crash is expected; skip it.
			continue
		}
		s.apply(e)
	}
	return sc.Err()
}

func cloneProfile(p Profile) Profile {
	p.Genres = append([]string(nil), p.Genres...)
	return p
}
