package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"dailytrack/internal/eventbus"
	"dailytrack/internal/metrics"
	logx "dailytrack/pkg/logx"
)

// work pulls jobs until the pool is retired. It only returns on shutdown.
func (s *Service) work(ctx context.Context, p *pool) error {
	for {
		// retirement wins over a non-empty queue
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.quit:
			return context.Canceled
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.quit:
			return context.Canceled
		case j := <-p.jobs:
			metrics.QueueDepth.Set(float64(len(p.jobs)))
			s.run(ctx, j)
		}
	}
}

func (s *Service) run(ctx context.Context, j job) {
	defer j.gate.free()
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	start := time.Now()
	ev := TaskEvent{ID: j.task.ID, Name: j.task.Name, Key: j.key, Started: start, QueueDelay: max(start.Sub(j.queued), 0)}
	if limit := s.config().MaxQueueDelay; limit > 0 && ev.QueueDelay > limit {
		s.dropLate(ev)
		return
	}

	log := s.log.With(logx.String("task", ev.Name), logx.String("key", ev.Key), logx.String("id", ev.ID))
	result, err := invoke(ctx, j, log)
	ev.Duration = time.Since(start)
	metrics.Tasks.WithLabelValues(result).Inc()

	if err != nil {
		ev.Error = err.Error()
		log.Warn("task failed", logx.String("result", result), logx.Err(err),
			logx.Duration("queue_delay", ev.QueueDelay), logx.Duration("dur", ev.Duration))
		s.emit(eventbus.TaskFailed, ev)
	} else {
		done := log.Debug
		if ev.Duration >= time.Second {
			done = log.Info
		}
		done("task done", logx.Duration("queue_delay", ev.QueueDelay), logx.Duration("dur", ev.Duration))
		s.emit(eventbus.TaskFinished, ev)
	}
	s.remember(ev)
}

// invoke runs the task under its timeout and turns a panic into an error.
// result is the metrics label: ok, error, timeout or panic.
func invoke(ctx context.Context, j job, log logx.Logger) (result string, err error) {
	runCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			result, err = "panic", fmt.Errorf("panic: %v", r)
		}
	}()

	err = j.task.Run(runCtx)
	switch {
	case err == nil:
		return "ok", nil
	case errors.Is(err, context.DeadlineExceeded), runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		return "timeout", err
	default:
		return "error", err
	}
}
