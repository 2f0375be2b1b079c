// Package engine runs tasks on a bounded worker pool with per-key overlap
// skipping, per-task timeouts and panic recovery.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"dailytrack/internal/eventbus"
	"dailytrack/internal/metrics"
	rtsup "dailytrack/internal/runtime/supervisor"
	logx "dailytrack/pkg/logx"
)

type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	pool    *pool
	closing chan struct{}

	gates    sync.Map // concurrency key -> *RunState
	inFlight atomic.Int32

	skipped   atomic.Uint64
	fullDrops atomic.Uint64
	lateDrops atomic.Uint64

	fullWarn *rate.Limiter
	lateWarn *rate.Limiter

	histMu  sync.Mutex
	history []HistoryItem
}

// pool is one running generation of workers. Stop retires it whole.
type pool struct {
	jobs    chan job
	quit    chan struct{}
	sup     *rtsup.Supervisor
	senders sync.WaitGroup
}

type job struct {
	task    Task
	key     string
	queued  time.Time
	timeout time.Duration
	gate    *RunState // nil unless the overlap policy claimed one
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		bus:      bus,
		cfg:      cfg.normalized(),
		fullWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
		lateWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Start launches the workers. It is a no-op when disabled or running, and
// waits for an unfinished Stop first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.closing != nil {
		closing := s.closing
		s.mu.Unlock()
		select {
		case <-closing:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.pool != nil {
		return
	}

	p := &pool{
		jobs: make(chan job, s.cfg.QueueSize),
		quit: make(chan struct{}),
		// a failing task must not take the app down
		sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.inFlight.Store(0)
	for i := range s.cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.work(c, p)
		}, rtsup.WithPublishFirstError(true))
	}
	s.pool = p
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop retires the workers. Tasks still queued never run and their gates are
// released. Stop returns early when ctx ends; the drain finishes in the background.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p, closing := s.pool, s.closing
	if p == nil {
		s.mu.Unlock()
		if closing != nil {
			select {
			case <-closing:
			case <-ctx.Done():
			}
		}
		return
	}
	closing = make(chan struct{})
	s.pool, s.closing = nil, closing
	close(p.quit)
	s.mu.Unlock()

	p.sup.Cancel()
	go func() {
		_ = p.sup.Wait(context.Background())
		p.senders.Wait()
		for n := len(p.jobs); n > 0; n-- {
			(<-p.jobs).gate.free()
		}
		metrics.QueueDepth.Set(0)
		s.mu.Lock()
		s.closing = nil
		s.mu.Unlock()
		close(closing)
	}()

	select {
	case <-closing:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue hands t to the pool without blocking. A full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit waits for queue space until ctx ends or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, wait bool) error {
	if t.Run == nil {
		return errors.New("engine: task has no Run func")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("engine: task has no Name")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	cfg, p, stopping := s.cfg, s.pool, s.closing != nil
	if p != nil {
		p.senders.Add(1)
	}
	s.mu.Unlock()
	if p == nil {
		switch {
		case !cfg.Enabled:
			return ErrDisabled
		case stopping:
			return ErrStopping
		default:
			return ErrStopped
		}
	}
	defer p.senders.Done()

	j := job{task: t, key: keyOf(t), queued: time.Now(), timeout: t.Timeout}
	if j.timeout <= 0 {
		j.timeout = cfg.DefaultTimeout
	}
	if t.Overlap == OverlapSkipIfRunning {
		gate := t.State
		if gate == nil {
			gate = s.gate(j.key)
		}
		if !gate.claim() {
			s.skipped.Add(1)
			metrics.Tasks.WithLabelValues("skipped").Inc()
			s.emit(eventbus.TaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Key: j.key, Started: j.queued, Error: "overlap_skip"})
			s.log.Debug("task skipped, key busy", logx.String("task", t.Name), logx.String("key", j.key))
			return ErrOverlapSkip
		}
		j.gate = gate
	}

	if !wait {
		select {
		case p.jobs <- j:
			metrics.QueueDepth.Set(float64(len(p.jobs)))
			return nil
		default:
			j.gate.free()
			s.dropFull(j, cap(p.jobs))
			return ErrQueueFull
		}
	}
	select {
	case p.jobs <- j:
		metrics.QueueDepth.Set(float64(len(p.jobs)))
		return nil
	case <-ctx.Done():
		j.gate.free()
		return ctx.Err()
	case <-p.quit:
		j.gate.free()
		return ErrStopping
	}
}

// Busy reports whether a task with the given concurrency key is queued or running.
func (s *Service) Busy(key string) bool {
	g, ok := s.gates.Load(strings.TrimSpace(key))
	return ok && g.(*RunState).Busy()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.pool
	s.mu.Unlock()

	full, late := s.fullDrops.Load(), s.lateDrops.Load()
	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		Dropped:          full + late,
		DroppedQueueFull: full,
		DroppedStale:     late,
		Skipped:          s.skipped.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
	}
	if p != nil {
		snap.QueueLen, snap.QueueCap = len(p.jobs), cap(p.jobs)
	}
	s.histMu.Lock()
	snap.History = slices.Clone(s.history)
	s.histMu.Unlock()
	return snap
}

func keyOf(t Task) string {
	if k := strings.TrimSpace(t.ConcurrencyKey); k != "" {
		return k
	}
	return t.Name
}

// gate returns the shared gate for key. Gates live as long as the engine.
func (s *Service) gate(key string) *RunState {
	g, _ := s.gates.LoadOrStore(key, &RunState{})
	return g.(*RunState)
}

func (s *Service) emit(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}

func (s *Service) remember(ev TaskEvent) {
	limit := s.config().HistorySize
	s.histMu.Lock()
	s.history = append(s.history, ev)
	if over := len(s.history) - limit; over > 0 {
		s.history = slices.Delete(s.history, 0, over)
	}
	s.histMu.Unlock()
}

func (s *Service) dropFull(j job, capacity int) {
	n := s.fullDrops.Add(1)
	metrics.Tasks.WithLabelValues("dropped").Inc()
	s.emit(eventbus.TaskDropped, TaskEvent{ID: j.task.ID, Name: j.task.Name, Key: j.key, Started: j.queued, Error: "queue_full"})
	if s.fullWarn.Allow() {
		s.log.Warn("task dropped, queue full",
			logx.String("task", j.task.Name),
			logx.String("key", j.key),
			logx.Int("queue_cap", capacity),
			logx.Uint64("dropped_total", n),
		)
	}
}

func (s *Service) dropLate(ev TaskEvent) {
	n := s.lateDrops.Add(1)
	ev.Error = "stale_queue_delay"
	metrics.Tasks.WithLabelValues("dropped").Inc()
	s.emit(eventbus.TaskDropped, ev)
	s.remember(ev)
	if s.lateWarn.Allow() {
		s.log.Warn("task dropped, waited too long",
			logx.String("task", ev.Name),
			logx.String("key", ev.Key),
			logx.Duration("queue_delay", ev.QueueDelay),
			logx.Uint64("dropped_total", n),
		)
	}
}
