package daemon

import (
	"context"
	"time"
)

// usageInterval is how often the event loop refreshes disk usage gauges.
const usageInterval = time.Minute

// EventLoop runs periodic housekeeping that does not belong to a cron job
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: usageInterval,
	}
}

// Run refreshes usage metrics until ctx is done
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	e.processTasks()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.logger.Info().Msg("Event loop stopping")
			return

		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks scans the log tree so the disk usage gauges stay current
// between sweeps.
func (e *EventLoop) processTasks() {
	usage, err := e.daemon.service.Retention().GetLogDiskUsage()
	if err != nil {
		e.daemon.logger.Warn().Err(err).Msg("Disk usage scan failed")
		return
	}

	active := 0
	if sessions := e.daemon.service.Sessions(); sessions != nil {
		active = len(sessions.GetActiveSessions())
	}

	e.daemon.logger.Debug().
		Int64("total_bytes", usage.TotalSize).
		Int("session_files", usage.SessionLogs.Count).
		Int("legacy_files", usage.LegacyLogs.Count).
		Int("archive_files", usage.ArchiveLogs.Count).
		Int("active_sessions", active).
		Msg("Log usage")
}
