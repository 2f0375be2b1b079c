package eventbus

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Pipeline event types.
const (
	ScheduleArmed   = "schedule.armed"
	ScheduleRemoved = "schedule.removed"
	ScheduleFired   = "schedule.fired"
	ScheduleMisfire = "schedule.misfire"

	DeliverySent    = "delivery.sent"
	DeliveryFailed  = "delivery.failed"
	DeliveryDemoted = "delivery.demoted"

	SourceResolved = "source.resolved"
	SourceMissed   = "source.missed"
	CacheEvicted   = "cache.evicted"

	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"
	TaskFailed   = "task.failed"
	TaskFinished = "task.finished"
)

// Event is one in-process notification. Data holds the typed payload.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	// Subscribe receives events whose Type starts with one of prefixes, or every event when none are given.
	Subscribe(buffer int, prefixes ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus with no goroutines of its own.
func New() Bus {
	return &fanout{}
}

type subscription struct {
	ch       chan Event
	prefixes []string
}

func (s *subscription) matches(typ string) bool {
	return len(s.prefixes) == 0 || slices.ContainsFunc(s.prefixes, func(p string) bool {
		return strings.HasPrefix(typ, p)
	})
}

// fanout sends under the read lock, so unsubscribe (write lock) never closes
// a channel mid-send.
type fanout struct {
	mu   sync.RWMutex
	subs []*subscription
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if !s.matches(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (f *fanout) Subscribe(buffer int, prefixes ...string) (<-chan Event, func()) {
	s := &subscription{ch: make(chan Event, max(buffer, 1)), prefixes: slices.Clone(prefixes)}
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()

	return s.ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if i := slices.Index(f.subs, s); i >= 0 {
			f.subs = slices.Delete(f.subs, i, i+1)
			close(s.ch)
		}
	}
}
