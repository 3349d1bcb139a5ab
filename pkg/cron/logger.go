package cron

import (
	"github.com/harun/proxylog/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// zerologAdapter routes robfig/cron's internal logging into zerolog.
type zerologAdapter struct {
	logger zerolog.Logger
}

var _ cron.Logger = zerologAdapter{}

func (a zerologAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (a zerologAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// jobLogger is handed to the per-job wrappers. SkipIfStillRunning reports an
// overlapping tick as Info("skip"), which is counted here.
type jobLogger struct {
	zerologAdapter
	job *job
}

func (l jobLogger) Info(msg string, keysAndValues ...interface{}) {
	if msg == "skip" {
		l.job.markSkipped()
		observability.RecordSweepSkipped(l.job.name)
		l.logger.Info().Str("job", l.job.name).Msg("Previous run still in progress, skipping")
		return
	}
	l.zerologAdapter.Info(msg, keysAndValues...)
}
