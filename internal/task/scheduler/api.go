package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"dailytrack/internal/task/engine"
	logx "dailytrack/pkg/logx"
)

// AddSchedule registers job under name, replacing any job with that name.
// A trigger that finds the previous run still queued or running is skipped.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return errors.New("schedule name required")
	case run == nil:
		return fmt.Errorf("schedule %s: job required", name)
	}
	plan, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if plan.Kind == SpecCron {
		if _, err := cronParser.Parse(plan.Cron); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	j := &job{
		name:    name,
		spec:    strings.TrimSpace(schedule),
		plan:    plan,
		timeout: timeout,
		run:     run,
		gate:    &engine.RunState{},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked(name)
	s.jobs[name] = j
	if s.cron == nil {
		return nil
	}
	if err := s.armLocked(j); err != nil {
		delete(s.jobs, name)
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.log.Debug("housekeeping job armed", logx.String("job", name), logx.String("spec", j.spec),
		logx.Time("next", s.cron.Entry(j.entry).Next))
	return nil
}

// Remove unregisters the named job. It reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked(strings.TrimSpace(name))
}

// RunNow queues the named job once, outside its schedule.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.trigger(j)
}

func (s *Service) dropLocked(name string) bool {
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.cron != nil && j.entry != 0 {
		s.cron.Remove(j.entry)
	}
	delete(s.jobs, name)
	return true
}

// armLocked puts j on the running cron. Interval jobs get a stable
// per-name offset on their first run.
func (s *Service) armLocked(j *job) error {
	fire := cron.FuncJob(func() { _ = s.trigger(j) })
	if j.plan.Kind == SpecInterval {
		sched, offset := intervalSchedule(j.plan.Every, time.Now().In(s.loc), j.name)
		j.entry, j.offset = s.cron.Schedule(sched, fire), offset
		return nil
	}
	id, err := s.cron.AddJob(j.plan.Cron, fire)
	if err != nil {
		return err
	}
	j.entry, j.offset = id, 0
	return nil
}

func (s *Service) trigger(j *job) error {
	if s.eng == nil {
		return engine.ErrStopped
	}
	err := s.eng.Enqueue(engine.Task{
		Name:    j.name,
		Timeout: j.timeout,
		Run:     j.run,
		State:   j.gate,
	})
	s.reportEnqueueError(j.name, err)
	return err
}
