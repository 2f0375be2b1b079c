// Package selector picks one catalog track per delivery, avoiding the user's
// recently delivered tracks.
package selector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"dailytrack/internal/catalog"
	logx "dailytrack/pkg/logx"
)

var (
	// ErrEmptyCatalog means the genre has no tracks at all; it is not retried.
	ErrEmptyCatalog = errors.New("catalog has no tracks for genre")
	ErrNoGenres     = errors.New("user has no genres")
)

const (
	DefaultWindow = 100
	MaxWindow     = 1000
)

// History reads the user's most recent delivered track IDs, newest first.
type History interface {
	RecentTrackIDs(ctx context.Context, userID int64, n int) ([]string, error)
}

// Selection is the picked track and how it was chosen.
type Selection struct {
	Track catalog.Track
	Genre string
	// Reset is set when every candidate had been sent recently and the pick
	// came from the unfiltered pool.
	Reset bool
}

type Option func(*Selector)

func WithLogger(log logx.Logger) Option { return func(s *Selector) { s.log = log } }

// WithRand fixes the random source (tests).
func WithRand(r *rand.Rand) Option { return func(s *Selector) { s.rng = r } }

// WithWindow sets the initial dedup window, clamped to [1, MaxWindow].
// Use SetWindow to reject out-of-range values instead.
func WithWindow(n int) Option {
	return func(s *Selector) { s.window.Store(int64(min(max(n, 1), MaxWindow))) }
}

type Selector struct {
	catalog catalog.Catalog
	history History
	log     logx.Logger
	window  atomic.Int64

	rmu sync.Mutex
	rng *rand.Rand
}

func New(cat catalog.Catalog, hist History, opts ...Option) *Selector {
	s := &Selector{
		catalog: cat,
		history: hist,
		log:     logx.Nop(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.window.Store(DefaultWindow)
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetWindow sets how many recent deliveries are excluded, within [1, 1000].
func (s *Selector) SetWindow(n int) error {
	if n < 1 || n > MaxWindow {
		return fmt.Errorf("dedup window %d outside [1,%d]", n, MaxWindow)
	}
	s.window.Store(int64(n))
	return nil
}

func (s *Selector) Window() int { return int(s.window.Load()) }

// SelectTrack picks a random genre from genres, then a random track from that
// genre not among the user's recent deliveries. When all candidates were sent
// recently it resets and picks from the unfiltered pool.
func (s *Selector) SelectTrack(ctx context.Context, userID int64, genres []string) (Selection, error) {
	if len(genres) == 0 {
		return Selection{}, ErrNoGenres
	}
	genre := genres[s.intn(len(genres))]
	log := s.log.With(logx.UserID(userID), logx.String("genre", genre))

	recent, err := s.history.RecentTrackIDs(ctx, userID, s.Window())
	if err != nil {
		if ctx.Err() != nil {
			return Selection{}, ctx.Err()
		}
		log.Warn("delivery history unavailable; selecting without exclusion", logx.Err(err))
		recent = nil
	}

	pool, err := s.catalog.SearchByGenre(ctx, genre, recent)
	if err != nil {
		return Selection{}, fmt.Errorf("catalog %s: %w", genre, err)
	}
	if fresh := exclude(pool, recent); len(fresh) > 0 {
		return Selection{Track: fresh[s.intn(len(fresh))], Genre: genre}, nil
	}

	pool, err = s.catalog.SearchByGenre(ctx, genre, nil)
	if err != nil {
		return Selection{}, fmt.Errorf("catalog %s: %w", genre, err)
	}
	if len(pool) == 0 {
		return Selection{}, fmt.Errorf("%w: %s", ErrEmptyCatalog, genre)
	}
	log.Info("all candidates sent recently; picking from full pool", logx.Int("pool", len(pool)), logx.Int("excluded", len(recent)))
	return Selection{Track: pool[s.intn(len(pool))], Genre: genre, Reset: true}, nil
}

func exclude(pool []catalog.Track, ids []string) []catalog.Track {
	if len(ids) == 0 {
		return pool
	}
	skip := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		skip[id] = struct{}{}
	}
	out := make([]catalog.Track, 0, len(pool))
	for _, t := range pool {
		if _, ok := skip[t.ID]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *Selector) intn(n int) int {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	return s.rng.Intn(n)
}
