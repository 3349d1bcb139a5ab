package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/proxylog/internal/clock"
	"github.com/harun/proxylog/internal/observability"
	"github.com/harun/proxylog/internal/tracing"
	"github.com/harun/proxylog/pkg/sessionlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
)

// OpenFileSource reports files currently held open for writing.
type OpenFileSource interface {
	OpenFiles() map[string]struct{}
}

// Options configures a Manager
type Options struct {
	Fs      afero.Fs
	Layout  Layout
	Clock   clock.Clock
	Sources []OpenFileSource
}

// Manager applies retention policies to the log areas. It never touches a file
// reported open by one of its sources.
type Manager struct {
	fs     afero.Fs
	layout Layout
	clock  clock.Clock

	mu      sync.RWMutex
	sources []OpenFileSource
}

// New creates a retention manager
func New(opts Options) *Manager {
	observability.EnsureRegistered()

	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Manager{
		fs:      fs,
		layout:  opts.Layout,
		clock:   clock.OrReal(opts.Clock),
		sources: append([]OpenFileSource(nil), opts.Sources...),
	}
}

// Layout returns the directories this manager sweeps
func (m *Manager) Layout() Layout {
	return m.layout
}

// AddSource registers another writer whose open files must be protected.
func (m *Manager) AddSource(src OpenFileSource) {
	m.mu.Lock()
	m.sources = append(m.sources, src)
	m.mu.Unlock()
}

// openFiles snapshots every source once. Files opened after the snapshot are
// caught by the modification time check in sweep instead.
func (m *Manager) openFiles() map[string]struct{} {
	m.mu.RLock()
	sources := append([]OpenFileSource(nil), m.sources...)
	m.mu.RUnlock()

	open := make(map[string]struct{})
	for _, src := range sources {
		for path := range src.OpenFiles() {
			open[filepath.Clean(path)] = struct{}{}
		}
	}
	return open
}

// sweep carries the state of one Cleanup call.
type sweep struct {
	ctx      context.Context
	policy   Policy
	now      time.Time
	open     map[string]struct{}
	report   *Report
	archived int64 // bytes moved into the archive
}

// Cleanup applies policy to every category and returns what it did. Per-file
// failures are collected in the report; only cancellation of ctx returns an
// error, checked between files.
func (m *Manager) Cleanup(ctx context.Context, policy Policy) (*Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "retention.cleanup",
		attribute.Bool("archive.enabled", policy.Archive.Enabled),
	)

	start := time.Now()
	s := &sweep{
		ctx:    ctx,
		policy: policy,
		now:    m.clock.Now(),
		open:   m.openFiles(),
		report: &Report{},
	}
	s.report.StartedAt = s.now

	err := m.cleanupLegacy(s)
	if err == nil {
		err = m.cleanupSessions(s)
	}
	if err == nil {
		err = m.cleanupArchive(s)
	}

	s.report.FinishedAt = m.clock.Now()
	observability.RecordSweep(time.Since(start))
	span.SetAttributes(
		attribute.Int64("bytes_reclaimed", s.report.TotalReclaimed()),
		attribute.Int("files_removed", s.report.TotalRemoved()),
		attribute.Int("failures", len(s.report.Failures)),
	)
	tracing.EndSpan(span, err)

	event := log.Info()
	if len(s.report.Failures) > 0 {
		event = log.Warn().Int("failures", len(s.report.Failures))
	}
	event.
		Int("removed", s.report.TotalRemoved()).
		Int64("bytes_reclaimed", s.report.TotalReclaimed()).
		Int64("bytes_archived", s.archived).
		Msg("Log retention sweep finished")

	if _, usageErr := m.GetLogDiskUsage(); usageErr != nil {
		log.Debug().Err(usageErr).Msg("Failed to refresh log disk usage")
	}

	return s.report, err
}

// eligible reports whether a file may be acted on in this sweep.
func (s *sweep) eligible(category string, f fileInfo) bool {
	if _, ok := s.open[filepath.Clean(f.path)]; ok {
		s.report.category(category).SkippedOpen++
		return false
	}
	// Written after the snapshot, possibly by a rotation mid-sweep
	if f.info.ModTime().After(s.now) {
		s.report.category(category).SkippedOpen++
		return false
	}
	return true
}

func (s *sweep) olderThan(f fileInfo, maxAgeDays int) bool {
	return maxAgeDays > 0 && s.now.Sub(f.info.ModTime()) > days(maxAgeDays)
}

func (s *sweep) fail(category, path, op string, err error) {
	s.report.Failures = append(s.report.Failures, Failure{
		Category: category,
		Path:     path,
		Op:       op,
		Error:    err.Error(),
	})
	observability.RecordSweepFailure(category)
	log.Warn().
		Err(err).
		Str("category", category).
		Str("path", path).
		Str("op", op).
		Msg("Retention action failed")
}

// cleanupLegacy retires flat logs beyond MaxFiles (newest kept) or older than
// MaxAgeDays.
func (m *Manager) cleanupLegacy(s *sweep) error {
	files, err := scanFiles(m.fs, m.layout.LegacyDir)
	if err != nil {
		s.fail(CategoryLegacy, m.layout.LegacyDir, "scan", err)
		return nil
	}
	sortNewestFirst(files)

	p := s.policy.Legacy
	for i, f := range files {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		overCount := p.MaxFiles > 0 && i >= p.MaxFiles
		if !overCount && !s.olderThan(f, p.MaxAgeDays) {
			continue
		}
		if !s.eligible(CategoryLegacy, f) {
			continue
		}
		rel, _ := filepath.Rel(m.layout.LegacyDir, f.path)
		m.retire(s, CategoryLegacy, f, filepath.Join(m.layout.ArchiveDir, CategoryLegacy, rel))
	}
	return nil
}

// cleanupSessions retires session files older than MaxAgeDays and caps each
// session directory at MaxFilesPerSession, oldest first.
func (m *Manager) cleanupSessions(s *sweep) error {
	infos, err := afero.ReadDir(m.fs, m.layout.SessionsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.fail(CategorySessions, m.layout.SessionsDir, "scan", err)
		}
		return nil
	}

	p := s.policy.Sessions
	for _, dir := range infos {
		if !dir.IsDir() {
			continue
		}
		sessionID := dir.Name()
		sessionDir := filepath.Join(m.layout.SessionsDir, sessionID)

		files, err := scanFiles(m.fs, sessionDir)
		if err != nil {
			s.fail(CategorySessions, sessionDir, "scan", err)
			continue
		}
		sortSessionFiles(files)

		for i, f := range files {
			if err := s.ctx.Err(); err != nil {
				return err
			}
			overCount := p.MaxFilesPerSession > 0 && len(files)-i > p.MaxFilesPerSession
			if !overCount && !s.olderThan(f, p.MaxAgeDays) {
				continue
			}
			if !s.eligible(CategorySessions, f) {
				continue
			}
			rel, _ := filepath.Rel(sessionDir, f.path)
			m.retire(s, CategorySessions, f, filepath.Join(m.layout.ArchiveDir, CategorySessions, sessionID, rel))
		}

		m.pruneEmptyDir(s, sessionDir)
	}
	return nil
}

// cleanupArchive deletes archived files older than MaxAgeDays, then the oldest
// until the archive fits in MaxTotalBytes.
func (m *Manager) cleanupArchive(s *sweep) error {
	p := s.policy.Archive
	if p.MaxAgeDays <= 0 && p.MaxTotalBytes <= 0 {
		return nil
	}

	files, err := scanFiles(m.fs, m.layout.ArchiveDir)
	if err != nil {
		s.fail(CategoryArchive, m.layout.ArchiveDir, "scan", err)
		return nil
	}
	sortNewestFirst(files)

	var total int64
	for _, f := range files {
		total += f.info.Size()
	}

	// Oldest first
	for i := len(files) - 1; i >= 0; i-- {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		f := files[i]
		overSize := p.MaxTotalBytes > 0 && total > p.MaxTotalBytes
		if !overSize && !s.olderThan(f, p.MaxAgeDays) {
			continue
		}
		if !s.eligible(CategoryArchive, f) {
			continue
		}
		if m.delete(s, CategoryArchive, f) {
			total -= f.info.Size()
		}
	}

	sessionsArchive := filepath.Join(m.layout.ArchiveDir, CategorySessions)
	if infos, err := afero.ReadDir(m.fs, sessionsArchive); err == nil {
		for _, dir := range infos {
			if dir.IsDir() {
				m.pruneEmptyDir(s, filepath.Join(sessionsArchive, dir.Name()))
			}
		}
	}
	return nil
}

// retire archives f when archival is enabled, otherwise deletes it.
func (m *Manager) retire(s *sweep, category string, f fileInfo, archivePath string) {
	if !s.policy.Archive.Enabled {
		m.delete(s, category, f)
		return
	}

	dst, err := archiveFile(m.fs, f.path, archivePath, s.policy.Archive.Compress)
	observability.RecordRetentionAudit(s.ctx, "file_archived", category, f.path, f.info.Size(), err)
	if err != nil {
		s.fail(category, f.path, "archive", err)
		return
	}

	r := s.report.category(category)
	r.Archived++
	r.BytesReclaimed += f.info.Size()
	s.archived += f.info.Size()
	observability.RecordReclaimed(category, "archive", f.info.Size())
	log.Debug().
		Str("category", category).
		Str("from", f.path).
		Str("to", dst).
		Msg("Log file archived")
}

func (m *Manager) delete(s *sweep, category string, f fileInfo) bool {
	err := m.fs.Remove(f.path)
	if os.IsNotExist(err) {
		// Already gone; nothing reclaimed by us
		return true
	}
	observability.RecordRetentionAudit(s.ctx, "file_deleted", category, f.path, f.info.Size(), err)
	if err != nil {
		s.fail(category, f.path, "delete", err)
		return false
	}

	r := s.report.category(category)
	r.Deleted++
	r.BytesReclaimed += f.info.Size()
	observability.RecordReclaimed(category, "delete", f.info.Size())
	log.Debug().
		Str("category", category).
		Str("path", f.path).
		Int64("bytes", f.info.Size()).
		Msg("Log file deleted")
	return true
}

// pruneEmptyDir removes dir if it holds no files. A logger that loses its
// directory this way recreates it on open.
func (m *Manager) pruneEmptyDir(s *sweep, dir string) {
	empty, err := afero.IsEmpty(m.fs, dir)
	if err != nil || !empty {
		return
	}
	if err := m.fs.Remove(dir); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Str("dir", dir).Msg("Failed to remove empty log directory")
		return
	}
	s.report.DirsPruned++
}

func sortNewestFirst(files []fileInfo) {
	sort.SliceStable(files, func(i, j int) bool {
		ti, tj := files[i].info.ModTime(), files[j].info.ModTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return files[i].path > files[j].path
	})
}

// sortSessionFiles orders oldest first by rotation index when both names carry
// one, otherwise by modification time.
func sortSessionFiles(files []fileInfo) {
	sort.SliceStable(files, func(i, j int) bool {
		ii, iok := sessionlog.ParseFileIndex(filepath.Base(files[i].path))
		ij, jok := sessionlog.ParseFileIndex(filepath.Base(files[j].path))
		if iok && jok && ii != ij {
			return ii < ij
		}
		ti, tj := files[i].info.ModTime(), files[j].info.ModTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return strings.Compare(files[i].path, files[j].path) < 0
	})
}

// String renders a one-line summary for operators.
func (r *Report) String() string {
	return fmt.Sprintf("legacy: %d deleted, %d archived; sessions: %d deleted, %d archived; archive: %d deleted; %d bytes reclaimed; %d failures",
		r.Legacy.Deleted, r.Legacy.Archived,
		r.Sessions.Deleted, r.Sessions.Archived,
		r.Archive.Deleted,
		r.TotalReclaimed(),
		len(r.Failures))
}
