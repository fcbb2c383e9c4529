// Package watcher detects drift in external sources.
//
// A poll moves a (tenant, source) pair through
//
//	idle -> polling -> no_change | drift_detected
//
// On no_change nothing is written and Poll returns nil. On drift_detected
// the watcher diffs the new records against the previous snapshot, stores
// the new snapshot, records a change event and enqueues a pending
// moderation proposal.
//
// Severity is pluggable through WithSeverity; DefaultSeverity keeps the
// standard thresholds.
package watcher
