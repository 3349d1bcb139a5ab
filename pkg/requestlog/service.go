package requestlog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/harun/proxylog/internal/clock"
	"github.com/harun/proxylog/internal/config"
	"github.com/harun/proxylog/internal/logger"
	"github.com/harun/proxylog/pkg/cron"
	"github.com/harun/proxylog/pkg/retention"
	"github.com/harun/proxylog/pkg/sessionlog"
	"github.com/harun/proxylog/pkg/truncation"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

// Job names registered with the scheduler
const (
	JobIdleReap = "idle-reap"
	JobSweep    = "retention-sweep"
)

// LegacyFileName is the active flat log inside the legacy directory.
const LegacyFileName = "requests.log"

// Options carries dependencies that are not part of the config file.
type Options struct {
	Fs    afero.Fs
	Clock clock.Clock
}

// Service owns the request logging pipeline: session manager, legacy writer,
// recorder, retention and the background jobs that drive idle reaping and
// sweeps.
type Service struct {
	layout    retention.Layout
	enabled   bool
	sessions  *sessionlog.Manager
	legacy    *logger.RotatingWriter
	recorder  *Recorder
	retention *retention.Manager
	scheduler *cron.Scheduler

	truncation atomic.Pointer[truncation.Config]
	policy     atomic.Pointer[retention.Policy]

	mu      sync.Mutex
	running bool
	stopped bool
}

// New builds the pipeline from cfg. Nothing runs in the background until Start.
func New(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	rl := cfg.RequestLog

	s := &Service{
		layout:    retention.NewLayout(cfg.LogRoot()),
		enabled:   rl.Enabled,
		scheduler: cron.NewScheduler(),
	}
	if err := s.ApplyConfig(cfg); err != nil {
		return nil, err
	}

	s.retention = retention.New(retention.Options{
		Fs:     fs,
		Layout: s.layout,
		Clock:  opts.Clock,
	})

	if !rl.Enabled {
		s.recorder = NewRecorder(RecorderOptions{Truncation: s.Truncation})
		log.Info().Msg("Request logging disabled")
		return s, nil
	}

	maxFileSize, err := rl.MaxFileSize()
	if err != nil {
		return nil, err
	}
	idle, err := rl.IdleTimeoutDuration()
	if err != nil {
		return nil, err
	}

	var redactor *logger.Redactor
	if rl.Redaction {
		redactor = logger.NewRedactor()
	}

	s.sessions, err = sessionlog.NewManager(sessionlog.Options{
		Dir:                s.layout.SessionsDir,
		MaxFileSize:        maxFileSize,
		MaxFilesPerSession: rl.MaxFilesPerSession,
		IncludeCommandName: rl.IncludeCommandName,
		IdleTimeout:        idle,
		Truncation:         s.Truncation,
		Redactor:           redactor,
		Clock:              opts.Clock,
		Fs:                 fs,
	})
	if err != nil {
		return nil, err
	}
	s.retention.AddSource(s.sessions)

	if rl.Legacy.Enabled {
		legacyMax, err := config.ParseSize(rl.Legacy.MaxSizePerFile)
		if err != nil {
			return nil, err
		}
		s.legacy, err = logger.NewRotatingWriter(filepath.Join(s.layout.LegacyDir, LegacyFileName), logger.RotatingOptions{
			Fs:       fs,
			Clock:    opts.Clock,
			MaxSize:  legacyMax,
			Compress: rl.Legacy.Compress,
		})
		if err != nil {
			s.sessions.Close()
			return nil, fmt.Errorf("failed to open legacy log: %w", err)
		}
		s.retention.AddSource(s.legacy)
	}

	s.recorder = NewRecorder(RecorderOptions{
		Sessions:   s.sessions,
		Legacy:     s.legacy,
		Truncation: s.Truncation,
		Redactor:   redactor,
		Clock:      opts.Clock,
	})

	if err := s.scheduler.Add(JobIdleReap, cron.Schedule{Expr: rl.IdleCheckSchedule}, s.reapJob); err != nil {
		s.closeWriters()
		return nil, err
	}
	if err := s.scheduler.Add(JobSweep, cron.Schedule{Expr: rl.SweepSchedule}, s.sweepJob); err != nil {
		s.closeWriters()
		return nil, err
	}

	return s, nil
}

// ApplyConfig swaps in the truncation settings and retention policy of cfg.
// Entries written after the call use the new settings; structural settings
// such as directories and file sizes need a restart.
func (s *Service) ApplyConfig(cfg *config.Config) error {
	policy, err := cfg.RequestLog.RetentionPolicy()
	if err != nil {
		return err
	}
	trunc := cfg.RequestLog.Truncation
	s.truncation.Store(&trunc)
	s.policy.Store(&policy)

	log.Debug().
		Bool("truncate_system", trunc.TruncateSystem).
		Int("system_max_length", trunc.SystemMaxLength).
		Bool("truncate_messages", trunc.TruncateMessages).
		Int("max_messages", trunc.MaxMessages).
		Int("max_message_length", trunc.MaxMessageLength).
		Msg("Request log settings applied")
	return nil
}

// Watch applies config file changes picked up by loader.
func (s *Service) Watch(loader *config.Loader) error {
	return loader.Watch(func(cfg *config.Config) {
		if err := s.ApplyConfig(cfg); err != nil {
			log.Warn().Err(err).Msg("Failed to apply reloaded config")
		}
	})
}

// Truncation returns the current truncation settings.
func (s *Service) Truncation() truncation.Config {
	return *s.truncation.Load()
}

// Policy returns the current retention policy.
func (s *Service) Policy() retention.Policy {
	return *s.policy.Load()
}

// Recorder returns the request path facade.
func (s *Service) Recorder() *Recorder {
	return s.recorder
}

// Sessions returns the session manager, nil when request logging is disabled.
func (s *Service) Sessions() *sessionlog.Manager {
	return s.sessions
}

// Retention returns the retention manager.
func (s *Service) Retention() *retention.Manager {
	return s.retention
}

// Scheduler returns the background job scheduler.
func (s *Service) Scheduler() *cron.Scheduler {
	return s.scheduler
}

// Layout returns the log directories.
func (s *Service) Layout() retention.Layout {
	return s.layout
}

// Sweep runs one retention pass with the current policy.
func (s *Service) Sweep(ctx context.Context) (*retention.Report, error) {
	return s.retention.Cleanup(ctx, s.Policy())
}

func (s *Service) sweepJob(ctx context.Context) error {
	report, err := s.Sweep(ctx)
	if err != nil {
		return err
	}
	if len(report.Failures) > 0 {
		return fmt.Errorf("retention sweep: %d failures", len(report.Failures))
	}
	return nil
}

func (s *Service) reapJob(context.Context) error {
	if ended := s.sessions.ReapIdle(); len(ended) > 0 {
		log.Debug().Strs("sessions", ended).Msg("Idle sessions reaped")
	}
	return nil
}

// Start begins the background jobs.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return errors.New("service is stopped")
	}
	if s.running || !s.enabled {
		return nil
	}
	s.running = true
	s.scheduler.Start()

	log.Info().
		Str("dir", filepath.Dir(s.layout.SessionsDir)).
		Msg("Request logging started")
	return nil
}

// Stop halts the background jobs, waiting for a running sweep until ctx is
// done, then ends every session and closes the legacy log.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.running = false
	s.mu.Unlock()

	s.recorder.close()
	err := s.scheduler.Stop(ctx)
	if closeErr := s.closeWriters(); err == nil {
		err = closeErr
	}

	log.Info().Msg("Request logging stopped")
	return err
}

func (s *Service) closeWriters() error {
	var errs []error
	if s.sessions != nil {
		errs = append(errs, s.sessions.Close())
	}
	if s.legacy != nil {
		errs = append(errs, s.legacy.Close())
	}
	return errors.Join(errs...)
}
