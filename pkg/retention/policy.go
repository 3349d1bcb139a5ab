package retention

import (
	"path/filepath"
	"time"
)

// Log categories
const (
	CategoryLegacy   = "legacy"
	CategorySessions = "sessions"
	CategoryArchive  = "archive"
)

// Layout names the three log areas.
type Layout struct {
	LegacyDir   string
	SessionsDir string
	ArchiveDir  string
}

// NewLayout returns the standard layout under root.
func NewLayout(root string) Layout {
	return Layout{
		LegacyDir:   filepath.Join(root, "legacy"),
		SessionsDir: filepath.Join(root, "sessions"),
		ArchiveDir:  filepath.Join(root, "archive"),
	}
}

// LegacyPolicy bounds flat request logs. Zero disables a limit.
type LegacyPolicy struct {
	MaxFiles   int `json:"max_files"`
	MaxAgeDays int `json:"max_age_days"`
}

// SessionPolicy bounds per-session logs. Zero disables a limit.
type SessionPolicy struct {
	MaxAgeDays         int `json:"max_age_days"`
	MaxFilesPerSession int `json:"max_files_per_session"`
}

// ArchivePolicy controls where retired files go and how long archives live.
type ArchivePolicy struct {
	Enabled       bool  `json:"enabled"`
	MaxAgeDays    int   `json:"max_age_days"`
	MaxTotalBytes int64 `json:"max_total_bytes"`
	Compress      bool  `json:"compress"`
}

// Policy is the full retention policy for one sweep.
type Policy struct {
	Legacy   LegacyPolicy  `json:"legacy"`
	Sessions SessionPolicy `json:"sessions"`
	Archive  ArchivePolicy `json:"archive"`
}

// CategoryUsage counts files and bytes in one category.
type CategoryUsage struct {
	Count int   `json:"count"`
	Size  int64 `json:"size"`
}

// DiskUsage is the result of GetLogDiskUsage.
type DiskUsage struct {
	TotalSize   int64         `json:"total_size"`
	LegacyLogs  CategoryUsage `json:"legacy_logs"`
	SessionLogs CategoryUsage `json:"session_logs"`
	ArchiveLogs CategoryUsage `json:"archive_logs"`
}

// CategoryReport is what one sweep did to one category.
type CategoryReport struct {
	Deleted        int   `json:"deleted"`
	Archived       int   `json:"archived"`
	SkippedOpen    int   `json:"skipped_open"`
	BytesReclaimed int64 `json:"bytes_reclaimed"`
}

// Failure is a per-file error that did not stop the sweep.
type Failure struct {
	Category string `json:"category"`
	Path     string `json:"path"`
	Op       string `json:"op"`
	Error    string `json:"error"`
}

// Report summarizes one Cleanup call.
type Report struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Legacy     CategoryReport `json:"legacy"`
	Sessions   CategoryReport `json:"sessions"`
	Archive    CategoryReport `json:"archive"`
	DirsPruned int            `json:"dirs_pruned"`
	Failures   []Failure      `json:"failures,omitempty"`
}

// TotalReclaimed returns bytes freed from the legacy and session areas plus
// bytes deleted from the archive.
func (r *Report) TotalReclaimed() int64 {
	return r.Legacy.BytesReclaimed + r.Sessions.BytesReclaimed + r.Archive.BytesReclaimed
}

// TotalRemoved returns the number of files deleted or archived.
func (r *Report) TotalRemoved() int {
	return r.Legacy.Deleted + r.Legacy.Archived +
		r.Sessions.Deleted + r.Sessions.Archived +
		r.Archive.Deleted
}

func (r *Report) category(name string) *CategoryReport {
	switch name {
	case CategoryLegacy:
		return &r.Legacy
	case CategorySessions:
		return &r.Sessions
	default:
		return &r.Archive
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
