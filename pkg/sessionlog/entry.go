package sessionlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/harun/proxylog/pkg/payload"
)

var (
	// ErrClosed is returned by Append after the logger has been closed.
	ErrClosed = errors.New("session logger closed")
	// ErrEntryTooLarge is returned when one serialized entry exceeds the per-file cap.
	ErrEntryTooLarge = errors.New("log entry exceeds max file size")
	// ErrInvalidSessionID is returned for session ids that are not path safe.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Kind is the direction of a log entry
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindStream   Kind = "stream"
	KindError    Kind = "error"
)

// Entry is one line of a session log file
type Entry struct {
	Timestamp time.Time        `json:"timestamp"`
	Kind      Kind             `json:"kind"`
	RequestID string           `json:"request_id,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Command   string           `json:"command,omitempty"`
	Request   *payload.Request `json:"request,omitempty"`
	Response  json.RawMessage  `json:"response,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// maxLineSize bounds a single line accepted by ReadEntries.
const maxLineSize = 64 * 1024 * 1024

// ReadEntries decodes a JSONL stream. Blank and malformed lines are skipped and
// counted in skipped.
func ReadEntries(r io.Reader) (entries []Entry, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			skipped++
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, skipped, fmt.Errorf("failed to read log entries: %w", err)
	}
	return entries, skipped, nil
}
