package cron

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrJobRunning is returned by RunNow when the job is already executing.
	ErrJobRunning = errors.New("job is already running")
	// ErrJobNotFound is returned for an unknown job name.
	ErrJobNotFound = errors.New("job not found")
)

// JobFunc is the body of a scheduled job. ctx is cancelled when the scheduler
// stops.
type JobFunc func(ctx context.Context) error

// Schedule represents a time specification for job execution
type Schedule struct {
	// Expr is a 5-field cron expression or a descriptor such as "@hourly"
	// or "@every 5m".
	Expr string `json:"expr" mapstructure:"expr"`
	TZ   string `json:"tz,omitempty" mapstructure:"tz"` // Optional timezone
}

// Job status values
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// JobState tracks runtime state of a job
type JobState struct {
	Name              string        `json:"name"`
	Schedule          Schedule      `json:"schedule"`
	Running           bool          `json:"running"`
	NextRunAt         time.Time     `json:"nextRunAt,omitempty"`
	LastRunAt         time.Time     `json:"lastRunAt,omitempty"`
	LastStatus        string        `json:"lastStatus,omitempty"` // "ok", "error", or "skipped"
	LastError         string        `json:"lastError,omitempty"`
	LastDuration      time.Duration `json:"lastDuration,omitempty"`
	Runs              int           `json:"runs"`
	Skipped           int           `json:"skipped"`
	ConsecutiveErrors int           `json:"consecutiveErrors,omitempty"` // Sequential failure count
}
