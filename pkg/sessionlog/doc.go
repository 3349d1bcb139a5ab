// Package sessionlog writes per-session request logs as size-rotated JSONL files.
//
// Invariants:
// - At most one live SessionLogger exists per session id.
// - Appends for one session are serialized; an entry is never split across files.
// - No file grows past the configured size; oversized entries are rejected.
// - A session retains at most MaxFilesPerSession files; the oldest go first, on rotation.
// - Session ids are path safe before they touch the filesystem.
//
// Usage:
//
//	mgr, _ := sessionlog.NewManager(sessionlog.Options{Dir: "/var/log/proxy/sessions", MaxFileSize: 10_000_000})
//	if l, ok := mgr.GetSessionLogger(req); ok {
//		_ = l.Append(sessionlog.Entry{Kind: sessionlog.KindRequest, Request: req})
//	}
//	_ = mgr.EndSession("abc123")
package sessionlog
