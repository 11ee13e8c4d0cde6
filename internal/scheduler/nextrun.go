package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reef-io/reef/internal/db"
)

// fallbackInterval is used when a schedule has neither a parseable cron
// expression nor an interval.
const fallbackInterval = time.Hour

// NextRun computes the next fire time for a schedule, from the given instant.
// Webhook and manual schedules have no next run.
func NextRun(kind db.ScheduleKind, cronExpr string, intervalMinutes int, from time.Time) (*time.Time, error) {
	switch kind {
	case db.ScheduleCron:
		sched, err := cron.ParseStandard(cronExpr)
		if err != nil {
			return nil, fmt.Errorf("scheduler: cron %q: %w", cronExpr, err)
		}
		next := sched.Next(from)
		return &next, nil
	case db.ScheduleInterval:
		if intervalMinutes <= 0 {
			next := from.Add(fallbackInterval)
			return &next, nil
		}
		next := from.Add(time.Duration(intervalMinutes) * time.Minute)
		return &next, nil
	case db.ScheduleWebhook, db.ScheduleManual:
		return nil, nil
	default:
		next := from.Add(fallbackInterval)
		return &next, nil
	}
}

// ValidateCron rejects unparseable cron expressions at write time.
func ValidateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("scheduler: cron %q: %w", expr, err)
	}
	return nil
}
