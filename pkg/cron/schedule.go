package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a schedule into a robfig schedule, applying its
// timezone when set.
func ParseSchedule(schedule Schedule) (cron.Schedule, error) {
	if schedule.Expr == "" {
		return nil, fmt.Errorf("schedule requires 'expr' field")
	}

	expr := schedule.Expr
	if schedule.TZ != "" {
		if _, err := time.LoadLocation(schedule.TZ); err != nil {
			return nil, fmt.Errorf("invalid timezone: %w", err)
		}
		expr = "CRON_TZ=" + schedule.TZ + " " + expr
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// CalculateNextRun returns the first activation of schedule after now.
func CalculateNextRun(schedule Schedule, now time.Time) (time.Time, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}
