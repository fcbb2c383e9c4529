// Package store provides SQLite-backed durable storage for complyflow.
//
// The store holds two kinds of data:
//   - Artifact catalog: workflow definitions, overlays, rules and
//     templates, keyed by (id, version). Versions are immutable; writes use
//     ON CONFLICT DO NOTHING. The catalog implements lockfile.DataSource.
//   - Watcher state: the source registry, append-only snapshots, change
//     events and the moderation queue. It implements watcher.Persistence.
//
// # Snapshot Concurrency
//
// SaveSnapshot re-reads the latest fingerprint inside an immediate
// transaction and refuses the write (watcher.ErrSnapshotConflict) when it
// differs from the fingerprint the poll started from. Two pollers racing on
// one source therefore record the transition once.
//
// # Deterministic Storage
//
//   - All JSON columns hold canonical JSON
//   - Timestamps are fixed-width UTC TEXT, so ORDER BY on them is time order
//   - List queries break ties with id COLLATE BINARY
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
