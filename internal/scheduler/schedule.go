package scheduler

import (
	"strconv"
	"time"

	"burrow/internal/store"
	appErr "burrow/pkg/errors"

	"github.com/robfig/cron/v3"
)

// InitialNextRun computes a newly created task's first run time.
// Cron expressions use the standard five-field form; intervals accept either
// a millisecond count or a Go duration string; once takes an RFC 3339 time.
func InitialNextRun(kind, value string, now time.Time) (*time.Time, error) {
	switch kind {
	case store.ScheduleCron:
		return cronNext(value, now)
	case store.ScheduleInterval:
		d, err := parseInterval(value)
		if err != nil {
			return nil, err
		}
		next := now.Add(d)
		return &next, nil
	case store.ScheduleOnce:
		at, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.ScheduleComputeError,
				"invalid once time %q", value)
		}
		at = at.UTC()
		return &at, nil
	default:
		return nil, appErr.Newf(appErr.InvalidScheduleKind, "unknown schedule kind %q", kind)
	}
}

// NextAfterRun computes the run time following an execution. Intervals are
// rebased from now, so a host that slept through occurrences does not replay
// them. Once tasks have no further run.
func NextAfterRun(kind, value string, now time.Time) (*time.Time, error) {
	switch kind {
	case store.ScheduleCron:
		return cronNext(value, now)
	case store.ScheduleInterval:
		d, err := parseInterval(value)
		if err != nil {
			return nil, err
		}
		next := now.Add(d)
		return &next, nil
	case store.ScheduleOnce:
		return nil, nil
	default:
		return nil, appErr.Newf(appErr.InvalidScheduleKind, "unknown schedule kind %q", kind)
	}
}

func cronNext(expr string, now time.Time) (*time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ScheduleComputeError,
			"invalid cron expression %q", expr)
	}
	next := sched.Next(now.UTC())
	return &next, nil
}

func parseInterval(value string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		if ms <= 0 {
			return 0, appErr.Newf(appErr.ScheduleComputeError,
				"interval must be positive, got %q", value)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, appErr.Newf(appErr.ScheduleComputeError, "invalid interval %q", value)
	}
	return d, nil
}
