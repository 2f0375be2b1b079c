package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"dailytrack/internal/task/engine"
	logx "dailytrack/pkg/logx"
)

// enqueueWarnEvery limits enqueue warnings to one per schedule per interval.
const enqueueWarnEvery = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("previous run still active; trigger skipped", logx.String("schedule", name))
		return
	}
	s.warnMu.Lock()
	lim, ok := s.warns[name]
	if !ok {
		lim = rate.NewLimiter(rate.Every(enqueueWarnEvery), 1)
		s.warns[name] = lim
	}
	s.warnMu.Unlock()
	if lim.Allow() {
		s.log.Warn("schedule trigger not queued", logx.String("schedule", name), logx.Err(err))
	}
}
