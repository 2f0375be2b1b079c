package schedule

import (
	"errors"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"
)

type fakeTimer struct {
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

// fakeClock drives registry timers deterministically.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return &fakeHandle{c: c, t: t}
}

type fakeHandle struct {
	c *fakeClock
	t *fakeTimer
}

func (h *fakeHandle) Stop() bool {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	was := !h.t.stopped && !h.t.fired
	h.t.stopped = true
	return was
}

// Advance moves the clock forward, firing due timers in order at their own instants.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
	}
}

// Set jumps the wall clock without firing anything (process suspended).
func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fireLog struct {
	mu    sync.Mutex
	fires []fired
}

type fired struct {
	user int64
	at   time.Time
}

func (l *fireLog) fire(userID int64, at time.Time) {
	l.mu.Lock()
	l.fires = append(l.fires, fired{userID, at})
	l.mu.Unlock()
}

func (l *fireLog) all() []fired {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]fired(nil), l.fires...)
}

func newTestRegistry(t *testing.T, now time.Time, opts ...Option) (*Registry, *fakeClock, *fireLog) {
	t.Helper()
	clk := newFakeClock(now)
	log := &fireLog{}
	base := []Option{WithClock(clk.Now), WithAfterFunc(clk.AfterFunc)}
	r := New(log.fire, append(base, opts...)...)
	t.Cleanup(r.Stop)
	return r, clk, log
}

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s): %v", name, err)
	}
	return loc
}

func TestUpsertNextFireBounds(t *testing.T) {
	t.Parallel()
	tokyo := mustZone(t, "Asia/Tokyo")
	tehran := mustZone(t, "Asia/Tehran")
	tests := []struct {
		name string
		now  time.Time
		h, m int
		tz   string
		want time.Time
	}{
		{"later today", time.Date(2026, 1, 10, 8, 0, 0, 0, tokyo), 9, 0, "Asia/Tokyo", time.Date(2026, 1, 10, 9, 0, 0, 0, tokyo)},
		{"passed rolls to tomorrow", time.Date(2026, 1, 10, 10, 0, 0, 0, tokyo), 9, 0, "Asia/Tokyo", time.Date(2026, 1, 11, 9, 0, 0, 0, tokyo)},
		{"exactly now rolls to tomorrow", time.Date(2026, 1, 10, 9, 0, 0, 0, tokyo), 9, 0, "Asia/Tokyo", time.Date(2026, 1, 11, 9, 0, 0, 0, tokyo)},
		{"half-hour offset zone", time.Date(2026, 1, 10, 4, 0, 0, 0, time.UTC), 8, 0, "Asia/Tehran", time.Date(2026, 1, 10, 8, 0, 0, 0, tehran)},
		{"midnight", time.Date(2026, 1, 10, 23, 59, 30, 0, time.UTC), 0, 0, "UTC", time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)},
		{"zone differs from now's zone", time.Date(2026, 1, 10, 20, 0, 0, 0, time.UTC), 3, 30, "Asia/Kolkata", time.Date(2026, 1, 10, 22, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, _, _ := newTestRegistry(t, tt.now)
			if err := r.Upsert(1, tt.h, tt.m, tt.tz); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
			got, ok := r.NextFire(1)
			if !ok {
				t.Fatal("expected armed timer")
			}
			if !got.Equal(tt.want) {
				t.Fatalf("next = %v, want %v", got, tt.want)
			}
			if !got.After(tt.now) || got.Sub(tt.now) > 24*time.Hour {
				t.Fatalf("next %v outside (now, now+24h]", got)
			}
			local := got.In(mustZone(t, tt.tz))
			if local.Hour() != tt.h || local.Minute() != tt.m {
				t.Fatalf("local time = %02d:%02d, want %02d:%02d", local.Hour(), local.Minute(), tt.h, tt.m)
			}
		})
	}
}

func TestUpsertRejectsInvalidInput(t *testing.T) {
	t.Parallel()
	r, _, _ := newTestRegistry(t, time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	tests := []struct {
		name string
		h, m int
		tz   string
		want error
	}{
		{"hour 24", 24, 0, "UTC", ErrInvalidTime},
		{"negative hour", -1, 0, "UTC", ErrInvalidTime},
		{"minute 60", 10, 60, "UTC", ErrInvalidTime},
		{"unknown zone", 10, 0, "Mars/Olympus_Mons", ErrInvalidZone},
		{"empty zone", 10, 0, "", ErrInvalidZone},
	}
	for _, tt := range tests {
		if err := r.Upsert(5, tt.h, tt.m, tt.tz); !errors.Is(err, tt.want) {
			t.Fatalf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	if r.Armed() != 0 {
		t.Fatalf("armed = %d after invalid upserts", r.Armed())
	}
}

func TestUpsertReplacesExistingTimer(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC)
	r, clk, fires := newTestRegistry(t, start, WithMaxSleep(0))

	if err := r.Upsert(1, 8, 0, "UTC"); err != nil {
		t.Fatal(err)
	}
	if err := r.Upsert(1, 10, 0, "UTC"); err != nil {
		t.Fatal(err)
	}
	if r.Armed() != 1 || clk.pending() != 1 {
		t.Fatalf("armed=%d pending=%d, want 1/1", r.Armed(), clk.pending())
	}

	clk.Advance(3 * time.Hour) // past 08:00
	if n := len(fires.all()); n != 0 {
		t.Fatalf("replaced timer fired %d times", n)
	}
	clk.Advance(2 * time.Hour) // past 10:00
	got := fires.all()
	if len(got) != 1 || !got[0].at.Equal(time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("fires = %+v, want one at 10:00", got)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC)
	r, clk, fires := newTestRegistry(t, start)

	if r.Remove(99) {
		t.Fatal("Remove of unknown user reported true")
	}
	if err := r.Upsert(1, 7, 0, "UTC"); err != nil {
		t.Fatal(err)
	}
	if !r.Remove(1) {
		t.Fatal("Remove of armed user reported false")
	}
	if r.Remove(1) {
		t.Fatal("second Remove reported true")
	}
	if _, ok := r.NextFire(1); ok {
		t.Fatal("NextFire after Remove")
	}
	clk.Advance(48 * time.Hour)
	if len(fires.all()) != 0 {
		t.Fatal("removed schedule fired")
	}
	if r.Armed() != 0 {
		t.Fatalf("armed = %d", r.Armed())
	}
}

func TestFireRearmsBeforeCallback(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC)
	clk := newFakeClock(start)
	var (
		r        *Registry
		mu       sync.Mutex
		nextSeen []time.Time
	)
	r = New(func(userID int64, occ time.Time) {
		next, ok := r.NextFire(userID)
		if !ok {
			t.Errorf("timer not re-armed when callback ran")
			return
		}
		mu.Lock()
		nextSeen = append(nextSeen, next)
		mu.Unlock()
	}, WithClock(clk.Now), WithAfterFunc(clk.AfterFunc))
	defer r.Stop()

	if err := r.Upsert(1, 7, 15, "UTC"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(3 * 24 * time.Hour)

	mu.Lock()
	defer mu.Unlock()
	if len(nextSeen) != 3 {
		t.Fatalf("fired %d times over 3 days, want 3", len(nextSeen))
	}
	want := time.Date(2026, 1, 11, 7, 15, 0, 0, time.UTC)
	for i, n := range nextSeen {
		if !n.Equal(want.Add(time.Duration(i) * 24 * time.Hour)) {
			t.Fatalf("fire %d saw next %v, want %v", i, n, want.Add(time.Duration(i)*24*time.Hour))
		}
	}
}

func TestCappedSleepFiresOnce(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC)
	r, clk, fires := newTestRegistry(t, start, WithMaxSleep(time.Minute))
	if err := r.Upsert(1, 6, 5, "UTC"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(4 * time.Minute)
	if len(fires.all()) != 0 {
		t.Fatal("fired early")
	}
	clk.Advance(2 * time.Minute)
	got := fires.all()
	if len(got) != 1 || !got[0].at.Equal(time.Date(2026, 1, 10, 6, 5, 0, 0, time.UTC)) {
		t.Fatalf("fires = %+v", got)
	}
}

func TestLateWakeBeyondGraceSkips(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC)
	r, clk, fires := newTestRegistry(t, start, WithMaxSleep(0), WithMisfireGrace(30*time.Minute))
	if err := r.Upsert(1, 7, 0, "UTC"); err != nil {
		t.Fatal(err)
	}
	// Host suspended across the occurrence; the timer only runs at 09:00.
	clk.Set(time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC))
	clk.Advance(0)
	if len(fires.all()) != 0 {
		t.Fatal("occurrence 2h late should be skipped")
	}
	next, _ := r.NextFire(1)
	if !next.Equal(time.Date(2026, 1, 11, 7, 0, 0, 0, time.UTC)) {
		t.Fatalf("next = %v, want tomorrow 07:00", next)
	}
}

func TestRestoreMisfire(t *testing.T) {
	t.Parallel()
	occ := time.Date(2026, 1, 10, 7, 0, 0, 0, time.UTC)
	yesterday := occ.Add(-24 * time.Hour)
	tests := []struct {
		name     string
		now      time.Time
		since    time.Time
		wantFire bool
	}{
		{"inside grace", occ.Add(30 * time.Minute), yesterday, true},
		{"outside grace", occ.Add(2 * time.Hour), yesterday, false},
		{"already fired", occ.Add(10 * time.Minute), occ, false},
		{"configured yesterday, never fired", occ.Add(20 * time.Minute), occ.Add(-18 * time.Hour), true},
		{"settings changed after the occurrence", occ.Add(20 * time.Minute), occ.Add(5 * time.Minute), false},
		{"no baseline", occ.Add(10 * time.Minute), time.Time{}, false},
		{"before today's occurrence", occ.Add(-time.Hour), yesterday, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, _, fires := newTestRegistry(t, tt.now, WithMisfireGrace(time.Hour))
			err := r.Restore(Entry{UserID: 3, Hour: 7, Minute: 0, Timezone: "UTC", Enabled: true}, tt.since)
			if err != nil {
				t.Fatalf("Restore: %v", err)
			}
			got := fires.all()
			if tt.wantFire {
				if len(got) != 1 || !got[0].at.Equal(occ) {
					t.Fatalf("fires = %+v, want one catch-up at %v", got, occ)
				}
			} else if len(got) != 0 {
				t.Fatalf("unexpected catch-up: %+v", got)
			}
			next, ok := r.NextFire(3)
			if !ok || !next.After(tt.now) {
				t.Fatalf("next = %v ok=%v, want armed after now", next, ok)
			}
		})
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	t.Parallel()
	r, clk, _ := newTestRegistry(t, time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC))
	e := Entry{UserID: 4, Hour: 9, Minute: 30, Timezone: "Asia/Tokyo", Enabled: true}
	for i := 0; i < 3; i++ {
		if err := r.Apply(e, time.Time{}); err != nil {
			t.Fatal(err)
		}
	}
	if clk.pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", clk.pending())
	}
	e.Enabled = false
	if err := r.Apply(e, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if r.Armed() != 0 || len(r.Entries()) != 0 {
		t.Fatal("disabled entry still armed")
	}
}

func TestApplyCatchesUpNewEntry(t *testing.T) {
	t.Parallel()
	occ := time.Date(2026, 1, 10, 7, 0, 0, 0, time.UTC)
	r, _, fires := newTestRegistry(t, occ.Add(3*time.Minute), WithMisfireGrace(time.Hour))
	// Profile saved at 06:58 and first seen by the 07:03 reconcile.
	e := Entry{UserID: 6, Hour: 7, Minute: 0, Timezone: "UTC", Enabled: true}
	if err := r.Apply(e, occ.Add(-2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := r.Apply(e, occ.Add(-2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	got := fires.all()
	if len(got) != 1 || !got[0].at.Equal(occ) {
		t.Fatalf("fires = %+v, want one catch-up at %v", got, occ)
	}
}

func TestUpsertSameEntryAtDueInstantKeepsOccurrence(t *testing.T) {
	t.Parallel()
	r, clk, fires := newTestRegistry(t, time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC), WithMaxSleep(0))
	if err := r.Upsert(1, 7, 0, "UTC"); err != nil {
		t.Fatal(err)
	}
	due := time.Date(2026, 1, 10, 7, 0, 0, 0, time.UTC)
	clk.Set(due)
	if err := r.Upsert(1, 7, 0, "UTC"); err != nil {
		t.Fatal(err)
	}
	if next, _ := r.NextFire(1); !next.Equal(due) {
		t.Fatalf("next = %v, want pending %v", next, due)
	}
	clk.Advance(0)
	if got := fires.all(); len(got) != 1 || !got[0].at.Equal(due) {
		t.Fatalf("fires = %+v, want today's occurrence", got)
	}
	if clk.pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", clk.pending())
	}
}

func TestConcurrentUpsertRemoveKeepsOneTimer(t *testing.T) {
	t.Parallel()
	r, clk, _ := newTestRegistry(t, time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				uid := int64(i % 3)
				if (g+i)%4 == 0 {
					r.Remove(uid)
					continue
				}
				if err := r.Upsert(uid, (g+i)%24, i%60, "UTC"); err != nil {
					t.Errorf("Upsert: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()
	if got, want := clk.pending(), r.Armed(); got != want {
		t.Fatalf("pending timers = %d, armed = %d", got, want)
	}
	if r.Armed() > 3 {
		t.Fatalf("armed = %d for 3 users", r.Armed())
	}
}

func TestStopRejectsUpserts(t *testing.T) {
	t.Parallel()
	r, clk, _ := newTestRegistry(t, time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC))
	_ = r.Upsert(1, 7, 0, "UTC")
	r.Stop()
	if clk.pending() != 0 {
		t.Fatal("timers left after Stop")
	}
	if err := r.Upsert(2, 7, 0, "UTC"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		h, m    int
		wantErr bool
	}{
		{"09:30", 9, 30, false},
		{" 23:59 ", 23, 59, false},
		{"0:05", 0, 5, false},
		{"24:00", 0, 0, true},
		{"12:7", 0, 0, true},
		{"noon", 0, 0, true},
	}
	for _, tt := range tests {
		h, m, err := ParseHHMM(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidTime) {
				t.Fatalf("ParseHHMM(%q) err = %v, want ErrInvalidTime", tt.in, err)
			}
			continue
		}
		if err != nil || h != tt.h || m != tt.m {
			t.Fatalf("ParseHHMM(%q) = %d:%d, %v", tt.in, h, m, err)
		}
	}
}

func TestDailyPrev(t *testing.T) {
	t.Parallel()
	d, err := NewDaily(7, 0, "UTC")
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 1, 10, 7, 0, 0, 0, time.UTC)
	if got := d.Prev(at); !got.Equal(at) {
		t.Fatalf("Prev(at occurrence) = %v", got)
	}
	if got := d.Prev(at.Add(-time.Second)); !got.Equal(at.Add(-24 * time.Hour)) {
		t.Fatalf("Prev(before) = %v", got)
	}
}
