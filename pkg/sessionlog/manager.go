package sessionlog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/proxylog/internal/clock"
	"github.com/harun/proxylog/internal/logger"
	"github.com/harun/proxylog/internal/observability"
	"github.com/harun/proxylog/pkg/payload"
	"github.com/harun/proxylog/pkg/truncation"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	DefaultIdleTimeout = 30 * time.Minute
)

// SessionMetadata describes a live session
type SessionMetadata struct {
	SessionID       string    `json:"session_id"`
	CommandName     string    `json:"command_name,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	FileIndex       int       `json:"file_index"`
	CurrentFileSize int64     `json:"current_file_size"`
	Files           []string  `json:"files,omitempty"`
	State           string    `json:"state"`
}

// Options configures a Manager
type Options struct {
	Dir                string // root holding one directory per session
	MaxFileSize        int64
	MaxFilesPerSession int
	IncludeCommandName bool
	IdleTimeout        time.Duration
	Truncation         func() truncation.Config
	Redactor           *logger.Redactor
	Clock              clock.Clock
	Fs                 afero.Fs
	Registry           *Registry
}

// Manager hands out one SessionLogger per session id and ends sessions
// explicitly or when they go idle.
type Manager struct {
	fs                 afero.Fs
	dir                string
	maxFileSize        int64
	maxFilesPerSession int
	includeCommandName bool
	idleTimeout        time.Duration
	truncation         func() truncation.Config
	redactor           *logger.Redactor
	clock              clock.Clock
	registry           *Registry
}

// NewManager creates a manager rooted at opts.Dir
func NewManager(opts Options) (*Manager, error) {
	observability.EnsureRegistered()

	if opts.Dir == "" {
		return nil, fmt.Errorf("session log directory cannot be empty")
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create session log directory: %w", err)
	}

	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	m := &Manager{
		fs:                 fs,
		dir:                filepath.Clean(opts.Dir),
		maxFileSize:        opts.MaxFileSize,
		maxFilesPerSession: opts.MaxFilesPerSession,
		includeCommandName: opts.IncludeCommandName,
		idleTimeout:        idle,
		truncation:         opts.Truncation,
		redactor:           opts.Redactor,
		clock:              clock.OrReal(opts.Clock),
		registry:           registry,
	}

	log.Info().
		Str("dir", m.dir).
		Int64("max_file_size", m.maxFileSize).
		Int("max_files_per_session", m.maxFilesPerSession).
		Dur("idle_timeout", m.idleTimeout).
		Msg("Session log manager initialized")

	return m, nil
}

// Dir returns the sessions root
func (m *Manager) Dir() string {
	return m.dir
}

// IdleTimeout returns the idle threshold used by ReapIdle
func (m *Manager) IdleTimeout() time.Duration {
	return m.idleTimeout
}

// ValidateSessionID checks that id can be used as a directory name.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("%w: contains '..'", ErrInvalidSessionID)
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("%w: contains path separators", ErrInvalidSessionID)
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("%w: contains null bytes", ErrInvalidSessionID)
	}
	return nil
}

// GetSessionLogger resolves req and returns the session's logger, creating it on
// first sight. ok is false when the request belongs to no session.
func (m *Manager) GetSessionLogger(req *payload.Request) (*SessionLogger, bool) {
	info, ok := Resolve(req)
	if !ok {
		return nil, false
	}
	return m.LoggerFor(info)
}

// LoggerFor returns the logger for an already resolved session.
func (m *Manager) LoggerFor(info Info) (*SessionLogger, bool) {
	if err := ValidateSessionID(info.SessionID); err != nil {
		log.Warn().Err(err).Str("session_id", info.SessionID).Msg("Rejected session id")
		return nil, false
	}

	l, created := m.registry.GetOrCreate(info.SessionID, func() *SessionLogger {
		return NewSessionLogger(LoggerOptions{
			Fs:                 m.fs,
			Dir:                filepath.Join(m.dir, info.SessionID),
			SessionID:          info.SessionID,
			CommandName:        info.CommandName,
			IncludeCommandName: m.includeCommandName,
			MaxFileSize:        m.maxFileSize,
			MaxFiles:           m.maxFilesPerSession,
			Truncation:         m.truncation,
			Redactor:           m.redactor,
			Clock:              m.clock,
		})
	})

	if created {
		observability.RecordSessionStarted()
		observability.SetActiveSessions(m.registry.Len())
		log.Info().
			Str("session_id", info.SessionID).
			Str("command", info.CommandName).
			Msg("Session log started")
		return l, true
	}

	l.Touch()
	return l, true
}

// GetSessionInfo returns metadata for a live session without touching it.
func (m *Manager) GetSessionInfo(sessionID string) (SessionMetadata, bool) {
	l, ok := m.registry.Get(sessionID)
	if !ok {
		return SessionMetadata{}, false
	}
	return l.Metadata(), true
}

// GetActiveSessions returns a snapshot of every live session ordered by id.
func (m *Manager) GetActiveSessions() []SessionMetadata {
	loggers := m.registry.Snapshot()
	out := make([]SessionMetadata, 0, len(loggers))
	for _, l := range loggers {
		if l.Closed() {
			continue
		}
		out = append(out, l.Metadata())
	}
	return out
}

// EndSession closes the session's file and forgets it. Unknown or already ended
// sessions are ignored.
func (m *Manager) EndSession(sessionID string) error {
	return m.endSession(sessionID, "explicit")
}

func (m *Manager) endSession(sessionID, reason string) error {
	l, ok := m.registry.Get(sessionID)
	if !ok {
		return nil
	}
	_, err := m.end(l, reason)
	return err
}

// end closes l before unregistering it, so a replacement logger for the same
// session can only start once l has released its file.
func (m *Manager) end(l *SessionLogger, reason string) (bool, error) {
	closedNow, err := l.shutdown()
	m.registry.Remove(l.SessionID(), l)
	if !closedNow {
		return false, nil
	}

	observability.RecordSessionEnded(reason)
	observability.SetActiveSessions(m.registry.Len())
	observability.RecordSessionAudit(context.Background(), "session_ended", l.SessionID(), map[string]interface{}{
		"reason": reason,
	})

	event := log.Info()
	if err != nil {
		event = log.Warn().Err(err)
	}
	event.
		Str("session_id", l.SessionID()).
		Str("reason", reason).
		Msg("Session log ended")

	return true, err
}

// ReapIdle ends sessions idle for at least the idle timeout and returns their ids.
func (m *Manager) ReapIdle() []string {
	now := m.clock.Now()
	var ended []string
	for _, l := range m.registry.Snapshot() {
		if now.Sub(l.LastActivity()) < m.idleTimeout {
			continue
		}
		ok, err := m.end(l, "idle")
		if !ok {
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("session_id", l.SessionID()).Msg("Failed to close idle session log")
		}
		ended = append(ended, l.SessionID())
	}

	if len(ended) > 0 {
		log.Info().Int("ended", len(ended)).Msg("Ended idle session logs")
	}
	return ended
}

// OpenFiles returns the paths currently open by live session loggers.
func (m *Manager) OpenFiles() map[string]struct{} {
	open := make(map[string]struct{})
	for _, l := range m.registry.Snapshot() {
		if path := l.OpenFile(); path != "" {
			open[path] = struct{}{}
		}
	}
	return open
}

// Close ends every session.
func (m *Manager) Close() error {
	var firstErr error
	for _, l := range m.registry.Snapshot() {
		if _, err := m.end(l, "shutdown"); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	log.Info().Msg("Session log manager closed")
	return firstErr
}
