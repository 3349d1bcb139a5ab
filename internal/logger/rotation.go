package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/harun/proxylog/internal/clock"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const rotatedTimeFormat = "20060102-150405.000"

// RotatingWriter is a writer that rotates a flat log file by size. The active
// file keeps its name; rotated files get a timestamp suffix.
type RotatingWriter struct {
	mu          sync.Mutex
	fs          afero.Fs
	clock       clock.Clock
	filename    string
	maxSize     int64 // bytes
	compress    bool
	currentFile afero.File
	currentSize int64
	closed      bool
	compressing sync.WaitGroup

	// inflight holds rotated files being compressed and their .gz targets.
	// It has its own lock so a compression can finish while Close holds mu.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
	compressFn func(afero.Fs, string) error
}

// RotatingOptions configures a RotatingWriter
type RotatingOptions struct {
	Fs       afero.Fs
	Clock    clock.Clock
	MaxSize  int64 // bytes, <= 0 disables rotation
	Compress bool  // gzip rotated files
}

// NewRotatingWriter creates a new rotating writer
func NewRotatingWriter(filename string, opts RotatingOptions) (*RotatingWriter, error) {
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	// Ensure directory exists
	dir := filepath.Dir(filename)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open file
	file, err := fs.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Get current size
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	return &RotatingWriter{
		fs:          fs,
		clock:       clock.OrReal(opts.Clock),
		filename:    filepath.Clean(filename),
		maxSize:     opts.MaxSize,
		compress:    opts.Compress,
		currentFile: file,
		currentSize: info.Size(),
		inflight:    make(map[string]struct{}),
		compressFn:  CompressFile,
	}, nil
}

// Write writes data to the log file, rotating first if p would overflow it.
// A single write is never split across files.
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, os.ErrClosed
	}

	// Check if rotation is needed
	if w.maxSize > 0 && w.currentSize > 0 && w.currentSize+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = w.currentFile.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// Close closes the current log file and waits for pending compression.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	if w.currentFile != nil {
		err = w.currentFile.Close()
	}
	w.compressing.Wait()
	return err
}

// Filename returns the active file path.
func (w *RotatingWriter) Filename() string {
	return w.filename
}

// OpenFiles returns the path held open for writing, if any, plus rotated files
// that are still being compressed and their .gz targets.
func (w *RotatingWriter) OpenFiles() map[string]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()

	open := make(map[string]struct{}, 1+len(w.inflight))
	if !w.closed {
		open[w.filename] = struct{}{}
	}
	for path := range w.inflight {
		open[path] = struct{}{}
	}
	return open
}

func (w *RotatingWriter) setInflight(name string, busy bool) {
	w.inflightMu.Lock()
	defer w.inflightMu.Unlock()
	for _, path := range []string{name, name + ".gz"} {
		if busy {
			w.inflight[path] = struct{}{}
		} else {
			delete(w.inflight, path)
		}
	}
}

// rotate rotates the log file
func (w *RotatingWriter) rotate() error {
	// Close current file
	if err := w.currentFile.Close(); err != nil {
		return err
	}

	rotatedName := w.rotatedName()

	// Rename current file
	if err := w.fs.Rename(w.filename, rotatedName); err != nil {
		// Keep writing to the same file rather than losing entries
		file, openErr := w.fs.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if openErr != nil {
			return openErr
		}
		w.currentFile = file
		return err
	}

	// Compress if enabled
	if w.compress {
		w.compressing.Add(1)
		w.setInflight(rotatedName, true)
		go func() {
			defer w.compressing.Done()
			defer w.setInflight(rotatedName, false)
			if err := w.compressFn(w.fs, rotatedName); err != nil {
				log.Warn().Err(err).Str("file", rotatedName).Msg("Failed to compress rotated log")
			}
		}()
	}

	// Open new file
	file, err := w.fs.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	w.currentFile = file
	w.currentSize = 0

	return nil
}

func (w *RotatingWriter) rotatedName() string {
	base := fmt.Sprintf("%s.%s", w.filename, w.clock.Now().Format(rotatedTimeFormat))
	name := base
	for i := 1; ; i++ {
		if _, err := w.fs.Stat(name); os.IsNotExist(err) {
			if _, err := w.fs.Stat(name + ".gz"); os.IsNotExist(err) {
				return name
			}
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
}

// CompressFile gzips filename to filename.gz, keeps its modification time and
// removes the original.
func CompressFile(fs afero.Fs, filename string) error {
	info, err := fs.Stat(filename)
	if err != nil {
		return err
	}

	if err := gzipTo(fs, filename, filename+".gz"); err != nil {
		fs.Remove(filename + ".gz")
		return err
	}

	if err := fs.Chtimes(filename+".gz", info.ModTime(), info.ModTime()); err != nil {
		return err
	}

	// Remove original file
	return fs.Remove(filename)
}

func gzipTo(fs afero.Fs, srcPath, dstPath string) error {
	src, err := fs.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := fs.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		return err
	}
	return dst.Sync()
}
