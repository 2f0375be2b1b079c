package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Config sizes the worker pool. Zero fields fall back to defaults.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds tasks that set no Timeout.
	DefaultTimeout time.Duration
	// MaxQueueDelay drops work that waited longer for a worker. 0 keeps everything.
	MaxQueueDelay time.Duration

	HistorySize int
}

func (c Config) normalized() Config {
	c.Workers = orDefault(c.Workers, 8)
	c.QueueSize = orDefault(c.QueueSize, 256)
	c.HistorySize = orDefault(c.HistorySize, 200)
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 2 * time.Minute
	}
	return c
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type OverlapPolicy uint8

const (
	// OverlapSkipIfRunning refuses a task while another with the same key is
	// queued or running, so a burst of triggers for one user collapses.
	OverlapSkipIfRunning OverlapPolicy = iota
	OverlapAllow
)

// RunState is the gate for one concurrency key. The zero value is open.
type RunState struct {
	held atomic.Bool
}

func (g *RunState) claim() bool { return g == nil || g.held.CompareAndSwap(false, true) }

func (g *RunState) free() {
	if g != nil {
		g.held.Store(false)
	}
}

// Busy reports whether work behind this gate is queued or running.
func (g *RunState) Busy() bool { return g != nil && g.held.Load() }

// Task is one unit of work.
//
// ConcurrencyKey groups tasks for the overlap policy ("user:42"); it defaults
// to Name. State replaces the engine's own gate for that key.
type Task struct {
	ID             string
	Name           string
	Timeout        time.Duration
	Run            func(ctx context.Context) error
	Overlap        OverlapPolicy
	ConcurrencyKey string
	State          *RunState
}

// TaskEvent is the payload of task.* bus events and one history entry.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

type HistoryItem = TaskEvent

// Snapshot is the engine state reported by /healthz.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	Skipped          uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration

	History []HistoryItem
}
