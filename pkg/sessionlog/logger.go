package sessionlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/proxylog/internal/clock"
	"github.com/harun/proxylog/internal/logger"
	"github.com/harun/proxylog/internal/observability"
	"github.com/harun/proxylog/pkg/truncation"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	defaultFileName = "session"
	fileExt         = ".jsonl"
	maxNameLength   = 64
)

// Matches "<name>-<index>.jsonl", optionally gzipped by an earlier archive pass.
var logFilePattern = regexp.MustCompile(`-(\d+)\.jsonl(\.gz)?$`)

type state int

const (
	stateIdle state = iota
	stateWriting
	stateRotating
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateWriting:
		return "writing"
	case stateRotating:
		return "rotating"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

type logFile struct {
	index int
	path  string
}

// LoggerOptions configures a SessionLogger
type LoggerOptions struct {
	Fs                 afero.Fs
	Dir                string // directory holding this session's files
	SessionID          string
	CommandName        string
	IncludeCommandName bool
	MaxFileSize        int64 // bytes, <= 0 disables rotation
	MaxFiles           int   // <= 0 keeps every file
	Truncation         func() truncation.Config
	Redactor           *logger.Redactor
	Clock              clock.Clock
}

// SessionLogger appends entries for one session to size-bounded JSONL files.
//
// The file set moves through idle -> writing -> rotating -> writing and ends in
// closed. Eviction of old files happens only when a new file is opened.
type SessionLogger struct {
	mu          sync.Mutex
	fs          afero.Fs
	dir         string
	sessionID   string
	commandName string
	baseName    string
	maxFileSize int64
	maxFiles    int
	truncation  func() truncation.Config
	redactor    *logger.Redactor
	clock       clock.Clock
	createdAt   time.Time

	state       state
	scanned     bool
	file        afero.File
	fileIndex   int
	currentSize int64
	files       []logFile // retained files, oldest first

	closed       atomic.Bool
	lastActivity atomic.Int64 // unix nanos
}

// NewSessionLogger creates a logger. No file is touched until the first Append.
func NewSessionLogger(opts LoggerOptions) *SessionLogger {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	trunc := opts.Truncation
	if trunc == nil {
		trunc = truncation.DefaultConfig
	}

	baseName := defaultFileName
	if opts.IncludeCommandName {
		if name := sanitizeName(opts.CommandName); name != "" {
			baseName = name
		}
	}

	clk := clock.OrReal(opts.Clock)
	l := &SessionLogger{
		fs:          fs,
		dir:         opts.Dir,
		sessionID:   opts.SessionID,
		commandName: opts.CommandName,
		baseName:    baseName,
		maxFileSize: opts.MaxFileSize,
		maxFiles:    opts.MaxFiles,
		truncation:  trunc,
		redactor:    opts.Redactor,
		clock:       clk,
		createdAt:   clk.Now(),
	}
	l.lastActivity.Store(l.createdAt.UnixNano())
	return l
}

// SessionID returns the session this logger writes for
func (l *SessionLogger) SessionID() string {
	return l.sessionID
}

// Closed reports whether Close has been called. It does not take the logger lock.
func (l *SessionLogger) Closed() bool {
	return l.closed.Load()
}

// LastActivity returns the time of the last append or touch.
func (l *SessionLogger) LastActivity() time.Time {
	return time.Unix(0, l.lastActivity.Load())
}

// Touch marks the session active now.
func (l *SessionLogger) Touch() {
	l.lastActivity.Store(l.clock.Now().UnixNano())
}

// Append truncates, redacts and writes one entry. The entry lands whole in a
// single file; if it does not fit in the current file the logger rotates first.
func (l *SessionLogger) Append(entry Entry) error {
	start := time.Now()
	defer func() {
		observability.RecordAppend(time.Since(start))
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == stateClosed {
		return ErrClosed
	}

	line, err := l.encode(entry)
	if err != nil {
		observability.RecordWrite("session", 0, false)
		return err
	}
	size := int64(len(line))
	if l.maxFileSize > 0 && size > l.maxFileSize {
		observability.RecordWrite("session", 0, false)
		return fmt.Errorf("%w: %d bytes, limit %d", ErrEntryTooLarge, size, l.maxFileSize)
	}

	switch {
	case l.state == stateIdle:
		if err := l.openNext(); err != nil {
			observability.RecordWrite("session", 0, false)
			return err
		}
	case l.maxFileSize > 0 && l.currentSize+size > l.maxFileSize:
		if err := l.rotate(); err != nil {
			observability.RecordWrite("session", 0, false)
			return err
		}
	}

	n, err := l.file.Write(line)
	l.currentSize += int64(n)
	if err != nil {
		observability.RecordWrite("session", n, false)
		return fmt.Errorf("failed to write log entry: %w", err)
	}

	l.Touch()
	observability.RecordWrite("session", n, true)
	return nil
}

func (l *SessionLogger) encode(entry Entry) ([]byte, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock.Now()
	}
	if entry.SessionID == "" {
		entry.SessionID = l.sessionID
	}
	if entry.Command == "" {
		entry.Command = l.commandName
	}
	entry.Request = truncation.TruncateRequest(entry.Request, l.truncation())

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	if l.redactor != nil {
		data = l.redactor.RedactBytes(data)
	}
	return append(data, '\n'), nil
}

// rotate closes the current file and opens the next one.
func (l *SessionLogger) rotate() error {
	l.state = stateRotating
	if err := l.file.Close(); err != nil {
		log.Warn().
			Err(err).
			Str("session_id", l.sessionID).
			Int("file_index", l.fileIndex).
			Msg("Failed to close session log during rotation")
	}
	l.file = nil
	observability.RecordRotation()

	return l.openNext()
}

// openNext opens file fileIndex+1 and evicts the oldest files over the cap.
func (l *SessionLogger) openNext() error {
	if !l.scanned {
		if err := l.scanExisting(); err != nil {
			l.state = stateIdle
			return err
		}
		l.scanned = true
	}

	if err := l.fs.MkdirAll(l.dir, 0700); err != nil {
		l.state = stateIdle
		return fmt.Errorf("failed to create session log directory: %w", err)
	}

	next := l.fileIndex + 1
	path := filepath.Join(l.dir, fmt.Sprintf("%s-%06d%s", l.baseName, next, fileExt))
	file, err := l.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if os.IsNotExist(err) {
		// Directory pruned by a retention sweep between MkdirAll and open
		if mkErr := l.fs.MkdirAll(l.dir, 0700); mkErr == nil {
			file, err = l.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		}
	}
	if err != nil {
		l.state = stateIdle
		return fmt.Errorf("failed to open session log: %w", err)
	}

	var size int64
	if info, err := file.Stat(); err == nil {
		size = info.Size()
	}

	l.file = file
	l.fileIndex = next
	l.currentSize = size
	l.files = append(l.files, logFile{index: next, path: path})
	l.state = stateWriting

	l.evict()
	return nil
}

// evict removes the oldest files until at most maxFiles remain. A file that
// cannot be removed stays in the list and is retried on the next rotation.
func (l *SessionLogger) evict() {
	if l.maxFiles <= 0 {
		return
	}
	for len(l.files) > l.maxFiles {
		oldest := l.files[0]
		err := l.fs.Remove(oldest.path)
		if err != nil && !os.IsNotExist(err) {
			observability.RecordEviction(false)
			log.Warn().
				Err(err).
				Str("session_id", l.sessionID).
				Str("file", oldest.path).
				Msg("Failed to evict session log, will retry on next rotation")
			return
		}
		observability.RecordEviction(true)
		l.files = l.files[1:]
		log.Debug().
			Str("session_id", l.sessionID).
			Str("file", oldest.path).
			Msg("Evicted session log")
	}
}

// scanExisting picks up files left by an earlier logger for the same session.
func (l *SessionLogger) scanExisting() error {
	infos, err := afero.ReadDir(l.fs, l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read session log directory: %w", err)
	}

	var found []logFile
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		index, ok := ParseFileIndex(info.Name())
		if !ok {
			continue
		}
		found = append(found, logFile{index: index, path: filepath.Join(l.dir, info.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })

	l.files = append(found, l.files...)
	if len(found) > 0 {
		l.fileIndex = found[len(found)-1].index
	}
	return nil
}

// Close flushes and releases the current file. Closing twice is a no-op.
func (l *SessionLogger) Close() error {
	_, err := l.shutdown()
	return err
}

// shutdown closes the logger and reports whether this call did it.
func (l *SessionLogger) shutdown() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == stateClosed {
		return false, nil
	}

	var err error
	if l.file != nil {
		if syncErr := l.file.Sync(); syncErr != nil {
			err = syncErr
		}
		if closeErr := l.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		l.file = nil
	}
	l.state = stateClosed
	l.closed.Store(true)

	if err != nil {
		return true, fmt.Errorf("failed to close session log: %w", err)
	}
	return true, nil
}

// OpenFile returns the path currently open for writing, or "".
func (l *SessionLogger) OpenFile() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ""
	}
	return l.files[len(l.files)-1].path
}

// Metadata returns a snapshot of the session's state.
func (l *SessionLogger) Metadata() SessionMetadata {
	l.mu.Lock()
	defer l.mu.Unlock()

	files := make([]string, len(l.files))
	for i, f := range l.files {
		files[i] = f.path
	}
	return SessionMetadata{
		SessionID:       l.sessionID,
		CommandName:     l.commandName,
		CreatedAt:       l.createdAt,
		LastActivityAt:  l.LastActivity(),
		FileIndex:       l.fileIndex,
		CurrentFileSize: l.currentSize,
		Files:           files,
		State:           l.state.String(),
	}
}

// ParseFileIndex extracts the rotation index from a session log file name.
func ParseFileIndex(name string) (int, bool) {
	m := logFilePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	index, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return index, true
}

// sanitizeName makes a command name safe to use in a file name.
func sanitizeName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name) && len(out) < maxNameLength; i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
