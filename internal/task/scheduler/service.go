package scheduler

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"dailytrack/internal/eventbus"
	"dailytrack/internal/task/engine"
	logx "dailytrack/pkg/logx"
)

// cronParser accepts 5-field and 6-field (with seconds) specs plus descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func New(cfg Config, eng *engine.Service, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log,
		bus:   bus,
		eng:   eng,
		cfg:   cfg,
		jobs:  map[string]*job{},
		warns: map[string]*rate.Limiter{},
	}
}

// Apply swaps the config. A new timezone re-arms every job on a fresh cron.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zoneChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.cron == nil || !zoneChanged {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.bootLocked()
	s.log.Info("housekeeping timezone changed", logx.String("tz", s.loc.String()))
}

// Start arms every job registered so far. Jobs added later are armed on add.
func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil || !s.cfg.Enabled {
		return
	}
	s.bootLocked()
	s.log.Info("housekeeping scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop disarms every job. Registrations survive, so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	for _, j := range s.jobs {
		j.entry, j.offset = 0, 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("housekeeping scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("housekeeping scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// bootLocked builds a cron in the configured zone and arms every job.
func (s *Service) bootLocked() {
	s.loc = s.zoneLocked()
	s.cron = cron.New(cron.WithParser(cronParser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		if err := s.armLocked(j); err != nil {
			s.log.Error("housekeeping job not armed", logx.String("job", j.name), logx.Err(err))
		}
	}
	s.cron.Start()
}

func (s *Service) zoneLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("bad housekeeping timezone, using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Snapshot lists jobs by name with their next and previous trigger times.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	if snap.Timezone == "" && s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, j := range s.jobs {
		info := ScheduleInfo{Name: j.name, Spec: j.spec, Timeout: j.timeout, FirstOffset: j.offset}
		if s.cron != nil && j.entry != 0 {
			e := s.cron.Entry(j.entry)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	s.mu.Unlock()

	slices.SortFunc(snap.Schedules, func(a, b ScheduleInfo) int { return strings.Compare(a.Name, b.Name) })
	if s.eng != nil {
		snap.Engine = s.eng.Snapshot()
	}
	return snap
}
