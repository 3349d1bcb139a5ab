// Package retention reclaims disk used by request logs.
//
// Three areas are swept: legacy flat logs, per-session logs and the archive.
// Files selected by age or count are moved to the archive when archival is
// enabled and deleted otherwise; the archive itself is pruned by age and total
// size.
//
// Invariants:
// - A file reported open by an OpenFileSource is never moved or deleted.
// - Open files are snapshotted once per sweep. A file modified after the sweep
//   started is left for the next sweep.
// - A failure on one file is recorded in the Report and the sweep continues.
//
// Usage:
//
//	rm := retention.New(retention.Options{Layout: retention.NewLayout("/var/log/proxy"), Sources: []retention.OpenFileSource{sessions}})
//	report, err := rm.Cleanup(ctx, policy)
package retention
