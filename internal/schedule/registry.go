// Package schedule keeps one daily timer per user and calls back at each occurrence.
package schedule

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"dailytrack/internal/eventbus"
	"dailytrack/internal/metrics"
	logx "dailytrack/pkg/logx"
)

var ErrStopped = errors.New("schedule registry stopped")

// FireFunc receives one occurrence. It runs on the timer goroutine and should hand off quickly.
type FireFunc func(userID int64, occurrence time.Time)

// Entry is a user's daily schedule.
type Entry struct {
	UserID   int64
	Hour     int
	Minute   int
	Timezone string
	Enabled  bool
}

// Timer is the subset of *time.Timer the registry needs.
type Timer interface {
	Stop() bool
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(r *Registry) { r.bus = bus } }

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithAfterFunc replaces time.AfterFunc (tests).
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(r *Registry) { r.afterFunc = fn }
}

// WithMaxSleep caps a single timer wait; the wall clock is re-checked on every wake.
func WithMaxSleep(d time.Duration) Option { return func(r *Registry) { r.maxSleep = d } }

// WithMisfireGrace sets how late an occurrence may still fire.
func WithMisfireGrace(d time.Duration) Option { return func(r *Registry) { r.grace = d } }

// Registry holds at most one armed timer per user.
//
// Locking: r.mu guards only the slot map; each user's slot has its own mutex,
// so arming, removing and firing for one user are serialized without a global lock.
type Registry struct {
	fire      FireFunc
	log       logx.Logger
	bus       eventbus.Bus
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer
	maxSleep  time.Duration
	grace     time.Duration

	mu      sync.Mutex
	slots   map[int64]*slot
	stopped bool

	armed atomic.Int64
}

type slot struct {
	mu    sync.Mutex
	entry Entry
	daily Daily
	next  time.Time
	timer Timer
	ver   uint64
	armed bool
}

func New(fire FireFunc, opts ...Option) *Registry {
	r := &Registry{
		fire:     fire,
		log:      logx.Nop(),
		now:      time.Now,
		maxSleep: time.Minute,
		grace:    time.Hour,
		slots:    map[int64]*slot{},
	}
	r.afterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	for _, o := range opts {
		o(r)
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	return r
}

// Upsert validates the time and zone, cancels any timer for userID and arms the
// next occurrence. An already armed identical entry is left untouched.
func (r *Registry) Upsert(userID int64, hour, minute int, tz string) error {
	d, err := NewDaily(hour, minute, tz)
	if err != nil {
		return err
	}
	s, err := r.slot(userID)
	if err != nil {
		return err
	}
	e := Entry{UserID: userID, Hour: hour, Minute: minute, Timezone: d.Location.String(), Enabled: true}
	s.mu.Lock()
	if s.armed && s.entry == e {
		// Keep the pending timer; re-arming at a due instant would skip today.
		s.mu.Unlock()
		return nil
	}
	s.entry = e
	s.daily = d
	r.armLocked(userID, s, d.Next(r.now()))
	next := s.next
	s.mu.Unlock()

	r.log.Debug("schedule armed", logx.UserID(userID), logx.String("at", d.String()), logx.Time("next", next))
	r.publish(eventbus.ScheduleArmed, userID, next)
	return nil
}

// Remove cancels the user's timer. It reports whether one was armed; absent is not an error.
// An in-flight delivery is not affected.
func (r *Registry) Remove(userID int64) bool {
	r.mu.Lock()
	s := r.slots[userID]
	r.mu.Unlock()
	if s == nil {
		return false
	}
	s.mu.Lock()
	was := s.armed
	r.disarmLocked(s)
	s.entry.Enabled = false
	s.mu.Unlock()
	if was {
		r.log.Debug("schedule removed", logx.UserID(userID))
		r.publish(eventbus.ScheduleRemoved, userID, time.Time{})
	}
	return was
}

// Apply reconciles one entry: enabled entries are armed unless already armed
// with identical settings, disabled ones are removed. A new or changed entry
// goes through Restore with since as the baseline, so an occurrence missed
// after since still fires once inside the grace window.
func (r *Registry) Apply(e Entry, since time.Time) error {
	if !e.Enabled {
		r.Remove(e.UserID)
		return nil
	}
	return r.Restore(e, since)
}

// Restore arms e after a restart. If the most recent occurrence was missed
// (after since) and lies within the misfire grace, it fires once now.
// since is the later of the last fire and the last settings change; a zero
// since never triggers a catch-up. An already armed identical entry is left alone.
func (r *Registry) Restore(e Entry, since time.Time) error {
	if !e.Enabled {
		r.Remove(e.UserID)
		return nil
	}
	d, err := NewDaily(e.Hour, e.Minute, e.Timezone)
	if err != nil {
		return err
	}
	s, err := r.slot(e.UserID)
	if err != nil {
		return err
	}

	now := r.now()
	want := Entry{UserID: e.UserID, Hour: e.Hour, Minute: e.Minute, Timezone: d.Location.String(), Enabled: true}
	s.mu.Lock()
	if s.armed && s.entry == want {
		s.mu.Unlock()
		return nil
	}
	s.entry = want
	s.daily = d
	r.armLocked(e.UserID, s, d.Next(now))
	s.mu.Unlock()

	prev := d.Prev(now)
	if prev.IsZero() || since.IsZero() || !prev.After(since) {
		return nil
	}
	late := now.Sub(prev)
	if late > r.grace {
		metrics.ScheduleFires.WithLabelValues("missed").Inc()
		r.log.Info("missed occurrence outside grace; skipping",
			logx.UserID(e.UserID), logx.Time("occurrence", prev), logx.Duration("late", late))
		return nil
	}
	metrics.ScheduleFires.WithLabelValues("catchup").Inc()
	r.log.Info("firing missed occurrence", logx.UserID(e.UserID), logx.Time("occurrence", prev), logx.Duration("late", late))
	r.publish(eventbus.ScheduleMisfire, e.UserID, prev)
	r.dispatch(e.UserID, prev)
	return nil
}

// NextFire returns the armed instant for userID.
func (r *Registry) NextFire(userID int64) (time.Time, bool) {
	r.mu.Lock()
	s := r.slots[userID]
	r.mu.Unlock()
	if s == nil {
		return time.Time{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return time.Time{}, false
	}
	return s.next, true
}

// Armed returns the number of users with an armed timer.
func (r *Registry) Armed() int { return int(r.armed.Load()) }

// Entries returns the armed entries ordered by user id.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	slots := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.Unlock()

	out := make([]Entry, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if s.armed {
			out = append(out, s.entry)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Stop disarms every timer. Later Upsert and Restore calls return ErrStopped.
func (r *Registry) Stop() {
	r.mu.Lock()
	r.stopped = true
	slots := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.Unlock()
	for _, s := range slots {
		s.mu.Lock()
		r.disarmLocked(s)
		s.mu.Unlock()
	}
}

// slot returns the user's slot, creating it if needed. Slots are never deleted,
// so two goroutines can never hold different locks for the same user.
func (r *Registry) slot(userID int64) (*slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrStopped
	}
	s := r.slots[userID]
	if s == nil {
		s = &slot{}
		r.slots[userID] = s
	}
	return s, nil
}

// armLocked replaces any pending timer with one for next. Call with s.mu held.
func (r *Registry) armLocked(userID int64, s *slot, next time.Time) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.ver++
	s.next = next
	if !s.armed {
		s.armed = true
		metrics.SchedulesArmed.Set(float64(r.armed.Add(1)))
	}
	r.waitLocked(userID, s, s.ver)
}

func (r *Registry) disarmLocked(s *slot) {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.ver++
	if s.armed {
		s.armed = false
		metrics.SchedulesArmed.Set(float64(r.armed.Add(-1)))
	}
}

func (r *Registry) waitLocked(userID int64, s *slot, ver uint64) {
	d := s.next.Sub(r.now())
	if d < 0 {
		d = 0
	}
	if r.maxSleep > 0 && d > r.maxSleep {
		d = r.maxSleep
	}
	s.timer = r.afterFunc(d, func() { r.wake(userID, s, ver) })
}

// wake runs on the timer goroutine. Stale versions are ignored; early wakes
// (capped sleeps) go back to sleep; due occurrences re-arm first and then dispatch.
func (r *Registry) wake(userID int64, s *slot, ver uint64) {
	s.mu.Lock()
	if !s.armed || s.ver != ver {
		s.mu.Unlock()
		return
	}
	now := r.now()
	if now.Before(s.next) {
		r.waitLocked(userID, s, ver)
		s.mu.Unlock()
		return
	}
	occ := s.next
	r.armLocked(userID, s, s.daily.Next(now))
	next := s.next
	s.mu.Unlock()

	late := now.Sub(occ)
	if late > r.grace {
		metrics.ScheduleFires.WithLabelValues("missed").Inc()
		r.log.Warn("occurrence woke past grace; skipping",
			logx.UserID(userID), logx.Time("occurrence", occ), logx.Duration("late", late))
		return
	}
	metrics.ScheduleFires.WithLabelValues("ontime").Inc()
	r.log.Debug("schedule fired", logx.UserID(userID), logx.Time("occurrence", occ), logx.Time("next", next))
	r.publish(eventbus.ScheduleFired, userID, occ)
	r.dispatch(userID, occ)
}

func (r *Registry) dispatch(userID int64, occ time.Time) {
	if r.fire == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("fire callback panicked", logx.UserID(userID), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
		}
	}()
	r.fire(userID, occ)
}

func (r *Registry) publish(typ string, userID int64, at time.Time) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: FireEvent{UserID: userID, At: at}})
}

// FireEvent is the payload of schedule.* bus events.
type FireEvent struct {
	UserID int64
	At     time.Time
}

func (e Entry) String() string {
	return fmt.Sprintf("user=%d %02d:%02d %s", e.UserID, e.Hour, e.Minute, e.Timezone)
}
