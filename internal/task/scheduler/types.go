package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"dailytrack/internal/eventbus"
	"dailytrack/internal/task/engine"
	logx "dailytrack/pkg/logx"
)

// Config controls the housekeeping trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA zone for cron specs; empty means UTC
}

// job is one registered housekeeping schedule.
type job struct {
	name    string
	spec    string
	plan    ParsedSpec
	timeout time.Duration
	run     func(ctx context.Context) error
	gate    *engine.RunState

	// set while armed on a running cron
	entry  cron.EntryID
	offset time.Duration
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus
	eng *engine.Service

	mu   sync.Mutex
	cfg  Config
	loc  *time.Location
	cron *cron.Cron
	jobs map[string]*job

	warnMu sync.Mutex
	warns  map[string]*rate.Limiter
}

// ScheduleInfo describes one job for /healthz.
type ScheduleInfo struct {
	Name        string
	Spec        string
	Timeout     time.Duration
	FirstOffset time.Duration
	Next        time.Time
	Prev        time.Time
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Schedules []ScheduleInfo
	Engine    engine.Snapshot
}
