package sessionlog

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/proxylog/internal/clock"
	"github.com/harun/proxylog/internal/logger"
	"github.com/harun/proxylog/pkg/payload"
	"github.com/harun/proxylog/pkg/truncation"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, fs afero.Fs, opts LoggerOptions) *SessionLogger {
	t.Helper()
	opts.Fs = fs
	if opts.Dir == "" {
		opts.Dir = "/logs/sessions/s1"
	}
	if opts.SessionID == "" {
		opts.SessionID = "s1"
	}
	l := NewSessionLogger(opts)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func readAllEntries(t *testing.T, fs afero.Fs, paths []string) []Entry {
	t.Helper()
	var all []Entry
	for _, p := range paths {
		data, err := afero.ReadFile(fs, p)
		require.NoError(t, err)
		entries, skipped, err := ReadEntries(bytes.NewReader(data))
		require.NoError(t, err)
		require.Zero(t, skipped, p)
		all = append(all, entries...)
	}
	return all
}

func TestSessionLoggerLazyOpen(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := newTestLogger(t, fs, LoggerOptions{})

	exists, err := afero.DirExists(fs, "/logs/sessions/s1")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Empty(t, l.OpenFile())

	require.NoError(t, l.Append(Entry{Kind: KindRequest, Error: "x"}))

	assert.Equal(t, "/logs/sessions/s1/session-000001.jsonl", l.OpenFile())
	md := l.Metadata()
	assert.Equal(t, 1, md.FileIndex)
	assert.Equal(t, "writing", md.State)
	assert.Equal(t, "s1", md.SessionID)
}

func TestSessionLoggerCommandFileName(t *testing.T) {
	fs := afero.NewMemMapFs()

	t.Run("included", func(t *testing.T) {
		l := newTestLogger(t, fs, LoggerOptions{
			Dir:                "/a",
			CommandName:        "test-command",
			IncludeCommandName: true,
		})
		require.NoError(t, l.Append(Entry{Kind: KindRequest}))
		assert.Equal(t, "/a/test-command-000001.jsonl", l.OpenFile())
	})

	t.Run("sanitized", func(t *testing.T) {
		l := newTestLogger(t, fs, LoggerOptions{
			Dir:                "/b",
			CommandName:        "../evil cmd",
			IncludeCommandName: true,
		})
		require.NoError(t, l.Append(Entry{Kind: KindRequest}))
		assert.Equal(t, "/b/___evil_cmd-000001.jsonl", l.OpenFile())
	})

	t.Run("not included", func(t *testing.T) {
		l := newTestLogger(t, fs, LoggerOptions{Dir: "/c", CommandName: "test-command"})
		require.NoError(t, l.Append(Entry{Kind: KindRequest}))
		assert.Equal(t, "/c/session-000001.jsonl", l.OpenFile())
	})
}

func TestSessionLoggerEntryFields(t *testing.T) {
	fs := afero.NewMemMapFs()
	clk := clock.NewFake(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	l := newTestLogger(t, fs, LoggerOptions{CommandName: "review", Clock: clk})

	require.NoError(t, l.Append(Entry{Kind: KindRequest, RequestID: "r1"}))

	entries := readAllEntries(t, fs, l.Metadata().Files)
	require.Len(t, entries, 1)
	assert.Equal(t, "s1", entries[0].SessionID)
	assert.Equal(t, "review", entries[0].Command)
	assert.Equal(t, "r1", entries[0].RequestID)
	assert.True(t, entries[0].Timestamp.Equal(clk.Now()))
}

func TestSessionLoggerTruncatesAndRedacts(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := truncation.Config{TruncateSystem: true, SystemMaxLength: 10, TruncateMessages: true, MaxMessages: 1, MaxMessageLength: 5}
	l := newTestLogger(t, fs, LoggerOptions{
		Truncation: func() truncation.Config { return cfg },
		Redactor:   logger.NewRedactor(),
	})

	sys := payload.Text(strings.Repeat("s", 500))
	req := &payload.Request{
		System: &sys,
		Messages: []payload.Message{
			{Role: payload.RoleUser, Content: payload.Text("key sk-ant-REDACTED")},
			{Role: payload.RoleAssistant, Content: payload.Text("second")},
		},
	}
	require.NoError(t, l.Append(Entry{Kind: KindRequest, Request: req}))

	// Caller's request is left alone
	assert.Len(t, req.Messages, 2)
	assert.Equal(t, 500, len(req.System.String()))

	data, err := afero.ReadFile(fs, l.OpenFile())
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, truncation.SystemMarker)
	assert.Contains(t, content, "MESSAGES_TRUNCATED: 1 additional message omitted")
	assert.NotContains(t, content, "sk-ant-")
	assert.NotContains(t, content, strings.Repeat("s", 11))
}

func TestSessionLoggerRedactsBeforeSizing(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := newTestLogger(t, fs, LoggerOptions{Redactor: logger.NewRedactor()})

	require.NoError(t, l.Append(Entry{Kind: KindError, Error: "Bearer " + strings.Repeat("t", 200)}))

	info, err := fs.Stat(l.OpenFile())
	require.NoError(t, err)
	assert.Equal(t, info.Size(), l.Metadata().CurrentFileSize)
}

func TestSessionLoggerRotationBounds(t *testing.T) {
	fs := afero.NewMemMapFs()
	const maxSize = 600
	const maxFiles = 3
	l := newTestLogger(t, fs, LoggerOptions{MaxFileSize: maxSize, MaxFiles: maxFiles})

	for i := 0; i < 40; i++ {
		require.NoError(t, l.Append(Entry{Kind: KindRequest, Error: fmt.Sprintf("entry-%02d-%s", i, strings.Repeat("p", 100))}))

		infos, err := afero.ReadDir(fs, "/logs/sessions/s1")
		require.NoError(t, err)
		assert.LessOrEqual(t, len(infos), maxFiles)
		for _, info := range infos {
			assert.LessOrEqual(t, info.Size(), int64(maxSize), info.Name())
		}
	}

	md := l.Metadata()
	assert.Len(t, md.Files, maxFiles)
	assert.Greater(t, md.FileIndex, maxFiles)

	// Oldest files went first: what remains are the highest indexes, in order
	for i, p := range md.Files {
		idx, ok := ParseFileIndex(filepath.Base(p))
		require.True(t, ok)
		assert.Equal(t, md.FileIndex-maxFiles+1+i, idx)
	}

	// The newest entry is last in the newest file
	entries := readAllEntries(t, fs, md.Files)
	require.NotEmpty(t, entries)
	assert.True(t, strings.HasPrefix(entries[len(entries)-1].Error, "entry-39-"))
}

func TestSessionLoggerEntryTooLarge(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := newTestLogger(t, fs, LoggerOptions{MaxFileSize: 300})

	err := l.Append(Entry{Kind: KindError, Error: strings.Repeat("x", 500)})
	assert.ErrorIs(t, err, ErrEntryTooLarge)

	// Nothing was opened for the rejected entry
	assert.Empty(t, l.OpenFile())

	require.NoError(t, l.Append(Entry{Kind: KindError, Error: "ok"}))
	assert.NotEmpty(t, l.OpenFile())
}

func TestSessionLoggerResumesIndex(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/logs/sessions/s1/session-000003.jsonl", []byte("{}\n"), 0600))
	require.NoError(t, afero.WriteFile(fs, "/logs/sessions/s1/old-000002.jsonl", []byte("{}\n"), 0600))
	require.NoError(t, afero.WriteFile(fs, "/logs/sessions/s1/notes.txt", []byte("x"), 0600))

	l := newTestLogger(t, fs, LoggerOptions{MaxFiles: 2})
	require.NoError(t, l.Append(Entry{Kind: KindRequest}))

	assert.Equal(t, "/logs/sessions/s1/session-000004.jsonl", l.OpenFile())

	// Existing files count toward the cap; the oldest was evicted
	_, err := fs.Stat("/logs/sessions/s1/old-000002.jsonl")
	assert.Error(t, err)
	md := l.Metadata()
	assert.Equal(t, []string{
		"/logs/sessions/s1/session-000003.jsonl",
		"/logs/sessions/s1/session-000004.jsonl",
	}, md.Files)

	exists, err := afero.Exists(fs, "/logs/sessions/s1/notes.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSessionLoggerEvictionToleratesMissingFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := newTestLogger(t, fs, LoggerOptions{MaxFileSize: 250, MaxFiles: 1})

	require.NoError(t, l.Append(Entry{Kind: KindRequest, Error: strings.Repeat("a", 120)}))
	first := l.OpenFile()
	// Retention removed the file behind the logger's back
	require.NoError(t, fs.Remove(first))
	require.NoError(t, l.Append(Entry{Kind: KindRequest, Error: strings.Repeat("b", 120)}))

	assert.Len(t, l.Metadata().Files, 1)
}

func TestSessionLoggerClose(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := NewSessionLogger(LoggerOptions{Fs: fs, Dir: "/s", SessionID: "s"})

	require.NoError(t, l.Append(Entry{Kind: KindRequest}))
	require.NoError(t, l.Close())
	assert.True(t, l.Closed())
	assert.Empty(t, l.OpenFile())
	assert.Equal(t, "closed", l.Metadata().State)

	assert.ErrorIs(t, l.Append(Entry{Kind: KindRequest}), ErrClosed)

	// Second close is a no-op
	assert.NoError(t, l.Close())
}

func TestSessionLoggerConcurrentAppends(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := newTestLogger(t, fs, LoggerOptions{MaxFileSize: 2048})

	const writers = 8
	const perWriter = 40
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := l.Append(Entry{Kind: KindRequest, RequestID: fmt.Sprintf("w%d-%03d", w, i)})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	entries := readAllEntries(t, fs, l.Metadata().Files)
	require.Len(t, entries, writers*perWriter)

	// Per-writer order survives interleaving across files
	last := make(map[string]string)
	for _, e := range entries {
		prefix := strings.SplitN(e.RequestID, "-", 2)[0]
		assert.Less(t, last[prefix], e.RequestID)
		last[prefix] = e.RequestID
	}
}

func TestSessionLoggerTouch(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewSessionLogger(LoggerOptions{Fs: afero.NewMemMapFs(), Dir: "/s", SessionID: "s", Clock: clk})

	assert.True(t, l.LastActivity().Equal(clk.Now()))
	clk.Advance(time.Minute)
	l.Touch()
	assert.True(t, l.LastActivity().Equal(clk.Now()))
	assert.True(t, l.Metadata().CreatedAt.Before(l.Metadata().LastActivityAt))
}

func TestParseFileIndex(t *testing.T) {
	tests := []struct {
		name  string
		index int
		ok    bool
	}{
		{"session-000001.jsonl", 1, true},
		{"cmd-12-000042.jsonl", 42, true},
		{"session-000007.jsonl.gz", 7, true},
		{"session.jsonl", 0, false},
		{"session-000001.log", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			index, ok := ParseFileIndex(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.index, index)
		})
	}
}
