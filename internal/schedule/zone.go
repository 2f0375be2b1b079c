package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata" // zones must resolve on hosts without zoneinfo

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidZone = errors.New("invalid time zone")
	ErrInvalidTime = errors.New("invalid time of day")
)

var (
	dailyParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	zones       sync.Map // name -> *time.Location
)

// LoadZone resolves an IANA zone name. Empty and "Local" are rejected so a
// schedule never depends on the host's zone.
func LoadZone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidZone, name)
	}
	if v, ok := zones.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidZone, name, err)
	}
	zones.Store(name, loc)
	return loc, nil
}

// ParseHHMM parses a wall-clock time like "09:30".
func ParseHHMM(s string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q, expected HH:MM", ErrInvalidTime, s)
	}
	hour, err = strconv.Atoi(hs)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: hour in %q", ErrInvalidTime, s)
	}
	minute, err = strconv.Atoi(ms)
	if err != nil || len(ms) != 2 {
		return 0, 0, fmt.Errorf("%w: minute in %q", ErrInvalidTime, s)
	}
	if err := checkTime(hour, minute); err != nil {
		return 0, 0, err
	}
	return hour, minute, nil
}

func checkTime(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("%w: hour %d outside [0,23]", ErrInvalidTime, hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("%w: minute %d outside [0,59]", ErrInvalidTime, minute)
	}
	return nil
}

// Daily is a once-a-day wall-clock time in a fixed zone.
//
// Occurrences follow the zone's civil calendar: on a DST jump-forward day a
// time inside the gap fires at the first valid instant after it, and on a
// fall-back day it fires once.
type Daily struct {
	Hour     int
	Minute   int
	Location *time.Location
	sched    cron.Schedule
}

// NewDaily validates hour, minute and tz and builds the occurrence calculator.
func NewDaily(hour, minute int, tz string) (Daily, error) {
	if err := checkTime(hour, minute); err != nil {
		return Daily{}, err
	}
	loc, err := LoadZone(tz)
	if err != nil {
		return Daily{}, err
	}
	sched, err := dailyParser.Parse(fmt.Sprintf("CRON_TZ=%s %d %d * * *", loc.String(), minute, hour))
	if err != nil {
		return Daily{}, fmt.Errorf("%w: %v", ErrInvalidZone, err)
	}
	return Daily{Hour: hour, Minute: minute, Location: loc, sched: sched}, nil
}

// Next returns the first occurrence strictly after t.
func (d Daily) Next(t time.Time) time.Time {
	if d.sched == nil {
		return time.Time{}
	}
	return d.sched.Next(t)
}

// Prev returns the last occurrence at or before t.
func (d Daily) Prev(t time.Time) time.Time {
	if d.sched == nil {
		return time.Time{}
	}
	var prev time.Time
	// Two days back always contains at least one occurrence.
	for o := d.sched.Next(t.Add(-49 * time.Hour)); !o.IsZero() && !o.After(t); o = d.sched.Next(o) {
		prev = o
	}
	return prev
}

// String renders "HH:MM Zone".
func (d Daily) String() string {
	name := ""
	if d.Location != nil {
		name = d.Location.String()
	}
	return fmt.Sprintf("%02d:%02d %s", d.Hour, d.Minute, name)
}
