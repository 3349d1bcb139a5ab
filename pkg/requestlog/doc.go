// Package requestlog wires session logging, the legacy flat log and retention
// into one pipeline for the proxy's request path.
//
// A Recorder routes each entry to the session's log when the request carries a
// session id and to the legacy log otherwise. It never returns logging errors
// to the caller; they are logged as warnings.
//
// A Service builds the pipeline from config and runs two scheduled jobs: idle
// session reaping and the retention sweep. Neither job overlaps itself.
// Truncation settings and the retention policy can be swapped at runtime with
// ApplyConfig or Watch.
//
// Usage:
//
//	svc, err := requestlog.New(cfg, requestlog.Options{})
//	if err != nil {
//		return err
//	}
//	svc.Start()
//	defer svc.Stop(ctx)
//
//	id := svc.Recorder().RecordRequest(ctx, req)
//	svc.Recorder().RecordResponse(ctx, req, id, body)
package requestlog
