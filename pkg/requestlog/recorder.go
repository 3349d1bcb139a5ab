package requestlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/harun/proxylog/internal/clock"
	"github.com/harun/proxylog/internal/logger"
	"github.com/harun/proxylog/internal/observability"
	"github.com/harun/proxylog/internal/tracing"
	"github.com/harun/proxylog/pkg/payload"
	"github.com/harun/proxylog/pkg/sessionlog"
	"github.com/harun/proxylog/pkg/truncation"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Destination names reported in logs and spans
const (
	DestinationSession = "session"
	DestinationLegacy  = "legacy"
	DestinationNone    = "none"
)

// RecorderOptions configures a Recorder
type RecorderOptions struct {
	Sessions   *sessionlog.Manager
	Legacy     *logger.RotatingWriter // nil drops entries without a session
	Truncation func() truncation.Config
	Redactor   *logger.Redactor
	Clock      clock.Clock
}

// Recorder is the request path entry point. Entries go to the session log when
// the request resolves to a session and to the legacy flat log otherwise.
// Logging failures are logged and never returned to the caller.
type Recorder struct {
	sessions   *sessionlog.Manager
	legacy     *logger.RotatingWriter
	truncation func() truncation.Config
	redactor   *logger.Redactor
	clock      clock.Clock
	chain      []sink

	// closeMu is held shared by each write and exclusively by close, so no
	// write is still in flight once close returns.
	closeMu sync.RWMutex
	closed  bool
}

// sink is one tier of the destination chain. write returns false when the tier
// declines the entry so the next tier is tried.
type sink struct {
	name  string
	write func(info sessionlog.Info, resolved bool, entry sessionlog.Entry) (bool, error)
}

// NewRecorder creates a recorder
func NewRecorder(opts RecorderOptions) *Recorder {
	trunc := opts.Truncation
	if trunc == nil {
		trunc = truncation.DefaultConfig
	}
	r := &Recorder{
		sessions:   opts.Sessions,
		legacy:     opts.Legacy,
		truncation: trunc,
		redactor:   opts.Redactor,
		clock:      clock.OrReal(opts.Clock),
	}
	if r.sessions != nil {
		r.chain = append(r.chain, sink{name: DestinationSession, write: r.writeSession})
	}
	if r.legacy != nil {
		r.chain = append(r.chain, sink{name: DestinationLegacy, write: r.writeLegacy})
	}
	return r
}

// RecordRequest logs an inbound request and returns the request id used, taken
// from ctx when present.
func (r *Recorder) RecordRequest(ctx context.Context, req *payload.Request) string {
	entry := sessionlog.Entry{Kind: sessionlog.KindRequest, Request: req}
	return r.Record(ctx, req, entry)
}

// RecordResponse logs an upstream response body for req.
func (r *Recorder) RecordResponse(ctx context.Context, req *payload.Request, requestID string, body []byte) {
	entry := sessionlog.Entry{
		Kind:      sessionlog.KindResponse,
		RequestID: requestID,
		Response:  responseJSON(body),
	}
	r.Record(ctx, req, entry)
}

// RecordError logs a failed exchange for req.
func (r *Recorder) RecordError(ctx context.Context, req *payload.Request, requestID string, err error) {
	if err == nil {
		return
	}
	entry := sessionlog.Entry{
		Kind:      sessionlog.KindError,
		RequestID: requestID,
		Error:     err.Error(),
	}
	r.Record(ctx, req, entry)
}

// RecordRaw logs a raw JSON request body. Bodies that do not decode are still
// routed by session using the raw JSON.
func (r *Recorder) RecordRaw(ctx context.Context, body []byte) string {
	req, err := payload.Parse(body)
	if err != nil {
		log.Warn().Err(err).Msg("Logging undecodable request body")
		entry := sessionlog.Entry{Kind: sessionlog.KindRequest, Error: fmt.Sprintf("undecodable request: %v", err)}
		info, ok := sessionlog.ResolveJSON(body)
		return r.record(ctx, info, ok, entry)
	}
	return r.RecordRequest(ctx, req)
}

// Record resolves req to a session and writes entry. It returns the entry's
// request id.
func (r *Recorder) Record(ctx context.Context, req *payload.Request, entry sessionlog.Entry) string {
	info, ok := sessionlog.Resolve(req)
	if entry.Request != nil {
		r.recordTruncation(entry.Request)
	}
	return r.record(ctx, info, ok, entry)
}

func (r *Recorder) record(ctx context.Context, info sessionlog.Info, resolved bool, entry sessionlog.Entry) string {
	if ctx == nil {
		ctx = context.Background()
	}
	if entry.RequestID == "" {
		entry.RequestID = tracing.GetRequestID(ctx)
	}
	if entry.RequestID == "" {
		entry.RequestID = tracing.NewRequestID()
	}
	if resolved {
		ctx = tracing.WithSessionID(ctx, info.SessionID)
	}

	ctx, span := tracing.StartSpan(ctx, "requestlog.record",
		attribute.String("kind", string(entry.Kind)),
		attribute.String("request_id", entry.RequestID),
	)
	reqLog := tracing.LoggerFromContext(ctx, log.Logger)

	destination, err := r.write(info, resolved, entry)
	span.SetAttributes(attribute.String("destination", destination))
	tracing.EndSpan(span, err)

	if err != nil {
		reqLog.Warn().
			Err(err).
			Str("destination", destination).
			Str("kind", string(entry.Kind)).
			Msg("Failed to record request log entry")
	}
	return entry.RequestID
}

// write offers entry to each tier in order; the first tier that accepts it
// handles it. It returns the destination that handled the entry.
func (r *Recorder) write(info sessionlog.Info, resolved bool, entry sessionlog.Entry) (string, error) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()

	if r.closed {
		return DestinationNone, nil
	}
	for _, s := range r.chain {
		if ok, err := s.write(info, resolved, entry); ok {
			return s.name, err
		}
	}
	return DestinationNone, nil
}

func (r *Recorder) writeSession(info sessionlog.Info, resolved bool, entry sessionlog.Entry) (bool, error) {
	if !resolved {
		observability.RecordUnresolved()
		return false, nil
	}
	l, ok := r.sessions.LoggerFor(info)
	if !ok {
		observability.RecordUnresolved()
		return false, nil
	}
	err := l.Append(entry)
	if errors.Is(err, sessionlog.ErrClosed) {
		// Ended between lookup and append; the next lookup creates a fresh logger
		if l, ok = r.sessions.LoggerFor(info); ok {
			err = l.Append(entry)
		}
	}
	return true, err
}

func (r *Recorder) writeLegacy(_ sessionlog.Info, _ bool, entry sessionlog.Entry) (bool, error) {
	line, err := r.encodeLegacy(entry)
	if err != nil {
		observability.RecordWrite(DestinationLegacy, 0, false)
		return true, err
	}
	n, err := r.legacy.Write(line)
	if err != nil {
		observability.RecordWrite(DestinationLegacy, n, false)
		return true, fmt.Errorf("failed to write legacy log: %w", err)
	}
	observability.RecordWrite(DestinationLegacy, n, true)
	return true, nil
}

func (r *Recorder) encodeLegacy(entry sessionlog.Entry) ([]byte, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock.Now()
	}
	entry.Request = truncation.TruncateRequest(entry.Request, r.truncation())

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	if r.redactor != nil {
		data = r.redactor.RedactBytes(data)
	}
	return append(data, '\n'), nil
}

// recordTruncation counts requests whose system prompt or message history
// exceeds the current limits.
func (r *Recorder) recordTruncation(req *payload.Request) {
	cfg := r.truncation()
	if cfg.TruncateSystem && req.System != nil && systemLength(*req.System) > cfg.SystemMaxLength {
		observability.RecordTruncation("system")
	}
	if cfg.TruncateMessages && len(req.Messages) > cfg.MaxMessages {
		observability.RecordTruncation("messages")
	}
}

func systemLength(c payload.Content) int {
	if !c.IsBlocks() {
		return utf8.RuneCountInString(c.String())
	}
	longest := 0
	for _, b := range c.BlockList() {
		if text, ok := b.Text(); ok && utf8.RuneCountInString(text) > longest {
			longest = utf8.RuneCountInString(text)
		}
	}
	return longest
}

// responseJSON keeps valid JSON bodies as is and quotes anything else.
func responseJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

// close waits for in-flight writes and makes later records no-ops, so no
// session logger is created after shutdown.
func (r *Recorder) close() {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	r.closed = true
}
