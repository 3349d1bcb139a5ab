package logger

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/proxylog/internal/clock"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("create rotating writer", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "test.log")

		rw, err := NewRotatingWriter(logFile, RotatingOptions{MaxSize: 1024})
		require.NoError(t, err)
		assert.NotNil(t, rw)

		defer rw.Close()

		// Verify file was created
		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("create directory if not exists", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		logFile := "/logs/legacy/requests.log"

		rw, err := NewRotatingWriter(logFile, RotatingOptions{Fs: fs, MaxSize: 1024})
		require.NoError(t, err)
		defer rw.Close()

		exists, err := afero.DirExists(fs, "/logs/legacy")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("resumes size of existing file", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "/logs/requests.log", bytes.Repeat([]byte("x"), 90), 0644))

		rw, err := NewRotatingWriter("/logs/requests.log", RotatingOptions{Fs: fs, MaxSize: 100})
		require.NoError(t, err)
		defer rw.Close()

		assert.Equal(t, int64(90), rw.currentSize)
	})
}

func TestRotatingWriterWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	logFile := "/logs/test.log"

	rw, err := NewRotatingWriter(logFile, RotatingOptions{Fs: fs, MaxSize: 1024})
	require.NoError(t, err)
	defer rw.Close()

	// Write data
	data := []byte("test log message\n")
	n, err := rw.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	// Verify file contains data
	content, err := afero.ReadFile(fs, logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "test log message")
}

func TestRotatingWriterRotation(t *testing.T) {
	fs := afero.NewMemMapFs()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logFile := "/logs/test.log"

	rw, err := NewRotatingWriter(logFile, RotatingOptions{Fs: fs, Clock: clk, MaxSize: 100})
	require.NoError(t, err)
	defer rw.Close()

	line := []byte(strings.Repeat("a", 59) + "\n")
	for i := 0; i < 5; i++ {
		_, err := rw.Write(line)
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	files, err := afero.Glob(fs, "/logs/test.log.*")
	require.NoError(t, err)
	assert.Len(t, files, 4)

	for _, f := range append(files, logFile) {
		info, err := fs.Stat(f)
		require.NoError(t, err)
		assert.LessOrEqual(t, info.Size(), int64(100), f)
	}
}

func TestRotatingWriterRotation_SameTimestamp(t *testing.T) {
	fs := afero.NewMemMapFs()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	rw, err := NewRotatingWriter("/logs/test.log", RotatingOptions{Fs: fs, Clock: clk, MaxSize: 10})
	require.NoError(t, err)
	defer rw.Close()

	for i := 0; i < 3; i++ {
		_, err := rw.Write([]byte("0123456789"))
		require.NoError(t, err)
	}

	files, err := afero.Glob(fs, "/logs/test.log.*")
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestRotatingWriterCompress(t *testing.T) {
	fs := afero.NewMemMapFs()

	rw, err := NewRotatingWriter("/logs/test.log", RotatingOptions{Fs: fs, MaxSize: 10, Compress: true})
	require.NoError(t, err)

	_, err = rw.Write([]byte("first line"))
	require.NoError(t, err)
	_, err = rw.Write([]byte("second"))
	require.NoError(t, err)

	// Close waits for background compression
	require.NoError(t, rw.Close())

	files, err := afero.Glob(fs, "/logs/test.log.*.gz")
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestRotatingWriterClose(t *testing.T) {
	fs := afero.NewMemMapFs()

	rw, err := NewRotatingWriter("/logs/test.log", RotatingOptions{Fs: fs})
	require.NoError(t, err)

	assert.Contains(t, rw.OpenFiles(), "/logs/test.log")

	err = rw.Close()
	assert.NoError(t, err)
	assert.Empty(t, rw.OpenFiles())

	_, err = rw.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)

	// Closing twice is fine
	assert.NoError(t, rw.Close())
}

func TestCompressFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	testFile := "/data/test.txt"

	// Create test file
	err := afero.WriteFile(fs, testFile, []byte("test content"), 0644)
	require.NoError(t, err)
	old := time.Now().Add(-48 * time.Hour).Truncate(time.Second)
	require.NoError(t, fs.Chtimes(testFile, old, old))

	// Compress file
	err = CompressFile(fs, testFile)
	require.NoError(t, err)

	// Verify compressed file exists and keeps the original mtime
	info, err := fs.Stat(testFile + ".gz")
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(old))

	// Verify original file was removed
	_, err = fs.Stat(testFile)
	assert.True(t, os.IsNotExist(err))

	// Verify content round-trips
	f, err := fs.Open(testFile + ".gz")
	require.NoError(t, err)
	defer f.Close()
	gzr, err := gzip.NewReader(f)
	require.NoError(t, err)
	content, err := io.ReadAll(gzr)
	require.NoError(t, err)
	assert.Equal(t, "test content", string(content))
}

func TestRotatingWriterOpenFilesDuringCompression(t *testing.T) {
	fs := afero.NewMemMapFs()
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	rw, err := NewRotatingWriter("/logs/test.log", RotatingOptions{Fs: fs, Clock: clk, MaxSize: 10, Compress: true})
	require.NoError(t, err)

	started := make(chan string, 1)
	release := make(chan struct{})
	rw.compressFn = func(fs afero.Fs, name string) error {
		started <- name
		<-release
		return CompressFile(fs, name)
	}

	_, err = rw.Write([]byte("0123456789"))
	require.NoError(t, err)
	_, err = rw.Write([]byte("next"))
	require.NoError(t, err)

	var rotated string
	select {
	case rotated = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("compression did not start")
	}

	open := rw.OpenFiles()
	assert.Contains(t, open, "/logs/test.log")
	assert.Contains(t, open, rotated)
	assert.Contains(t, open, rotated+".gz")

	close(release)
	require.NoError(t, rw.Close())

	assert.Empty(t, rw.OpenFiles())
	exists, err := afero.Exists(fs, rotated+".gz")
	require.NoError(t, err)
	assert.True(t, exists)
}
