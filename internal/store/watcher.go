package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/complyflow/internal/watcher"
)

var _ watcher.Persistence = (*Store)(nil)

// ResolveSourceID returns the registry id for (tenantID, sourceKey),
// registering the source on first use.
//
// Uses ON CONFLICT DO NOTHING followed by a read, so concurrent first polls
// agree on one id.
func (s *Store) ResolveSourceID(ctx context.Context, tenantID, sourceKey string) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_registry (id, tenant_id, source_key, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, source_key) DO NOTHING
	`, newID(), tenantID, sourceKey, formatTime(s.now()))
	if err != nil {
		return "", fmt.Errorf("resolve source %s: %w", sourceKey, err)
	}

	var id string
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM source_registry WHERE tenant_id = ? AND source_key = ?
	`, tenantID, sourceKey).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("resolve source %s: %w", sourceKey, err)
	}
	return id, nil
}

// LoadPreviousSnapshot returns the latest snapshot of the source, or nil
// when none has been captured.
func (s *Store) LoadPreviousSnapshot(ctx context.Context, tenantID, sourceID string) (*watcher.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_id, fingerprint, payload, metadata, captured_at
		FROM snapshots
		WHERE tenant_id = ? AND source_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, tenantID, sourceID)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", sourceID, err)
	}
	return snap, nil
}

// SaveSnapshot appends snap as the latest snapshot of the source.
//
// The latest fingerprint is re-read inside the write transaction; if it is
// no longer expectedPrevious another poller got there first and
// watcher.ErrSnapshotConflict is returned with nothing written.
func (s *Store) SaveSnapshot(ctx context.Context, tenantID, sourceID, expectedPrevious string, snap watcher.Snapshot) (string, error) {
	payload, err := marshalCanonical("payload", snap.Payload)
	if err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	metadata, err := marshalCanonical("metadata", objectOrEmpty(snap.Metadata))
	if err != nil {
		return "", fmt.Errorf("save snapshot: %w", err)
	}
	id := snap.ID
	if id == "" {
		id = newID()
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var latest string
		err := tx.QueryRowContext(ctx, `
			SELECT fingerprint FROM snapshots
			WHERE tenant_id = ? AND source_id = ?
			ORDER BY seq DESC
			LIMIT 1
		`, tenantID, sourceID).Scan(&latest)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read latest fingerprint: %w", err)
		}
		if latest != expectedPrevious {
			return watcher.ErrSnapshotConflict
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO snapshots
			(id, tenant_id, source_id, fingerprint, payload, metadata, captured_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, tenantID, sourceID, snap.Fingerprint, payload, metadata, formatTime(snap.CapturedAt))
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, watcher.ErrSnapshotConflict) {
			return "", err
		}
		return "", fmt.Errorf("save snapshot %s: %w", sourceID, err)
	}
	return id, nil
}

// InsertChangeEvent records a fingerprint transition.
func (s *Store) InsertChangeEvent(ctx context.Context, ev watcher.ChangeEvent) (string, error) {
	id := ev.ID
	if id == "" {
		id = newID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_events
		(id, tenant_id, source_id, from_hash, to_hash, detected_at, severity, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, ev.TenantID, ev.SourceID, ev.FromHash, ev.ToHash, formatTime(ev.DetectedAt), string(ev.Severity), ev.Notes)
	if err != nil {
		return "", fmt.Errorf("insert change event: %w", err)
	}
	return id, nil
}

// InsertModerationProposal enqueues a proposal for review.
//
// Note: The change event referenced by ChangeEventID must exist (foreign key constraint).
func (s *Store) InsertModerationProposal(ctx context.Context, p watcher.Proposal) (string, error) {
	proposal, err := marshalCanonical("proposal", objectOrEmpty(p.Proposal))
	if err != nil {
		return "", fmt.Errorf("insert moderation proposal: %w", err)
	}
	id := p.ID
	if id == "" {
		id = newID()
	}
	status := p.Status
	if status == "" {
		status = watcher.ProposalStatusPending
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO moderation_queue
		(id, tenant_id, change_event_id, proposal, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, p.TenantID, p.ChangeEventID, proposal, status, formatTime(p.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("insert moderation proposal: %w", err)
	}
	return id, nil
}

// ChangeEvents returns the change events of a source, oldest first.
//
// Returns an empty slice (not nil) if none exist.
func (s *Store) ChangeEvents(ctx context.Context, tenantID, sourceID string) ([]watcher.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, source_id, from_hash, to_hash, detected_at, severity, notes
		FROM change_events
		WHERE tenant_id = ? AND source_id = ?
		ORDER BY detected_at ASC, id COLLATE BINARY ASC
	`, tenantID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query change events: %w", err)
	}
	defer rows.Close()

	events := []watcher.ChangeEvent{}
	for rows.Next() {
		var (
			ev       watcher.ChangeEvent
			detected string
			severity string
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.SourceID, &ev.FromHash, &ev.ToHash, &detected, &severity, &ev.Notes); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		if ev.DetectedAt, err = parseTime(detected); err != nil {
			return nil, err
		}
		ev.Severity = watcher.Severity(severity)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change events: %w", err)
	}
	return events, nil
}

// Proposals returns the tenant's moderation queue entries with the given
// status, oldest first.
//
// Returns an empty slice (not nil) if none exist.
func (s *Store) Proposals(ctx context.Context, tenantID, status string) ([]watcher.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, change_event_id, proposal, status, created_at
		FROM moderation_queue
		WHERE tenant_id = ? AND status = ?
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("query proposals: %w", err)
	}
	defer rows.Close()

	proposals := []watcher.Proposal{}
	for rows.Next() {
		var (
			p       watcher.Proposal
			body    string
			created string
		)
		if err := rows.Scan(&p.ID, &p.TenantID, &p.ChangeEventID, &body, &p.Status, &created); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		if err := unmarshalJSON("proposal", body, &p.Proposal); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return proposals, nil
}

// LatestRecords returns the payload of the latest snapshot of sourceKey.
// It returns an error wrapping lockfile.ErrNotFound when the source has
// never been captured for the tenant.
func (s *Store) LatestRecords(ctx context.Context, tenantID, sourceKey string) ([]watcher.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.source_id, s.fingerprint, s.payload, s.metadata, s.captured_at
		FROM snapshots s
		JOIN source_registry r ON r.id = s.source_id
		WHERE r.tenant_id = ? AND r.source_key = ?
		ORDER BY s.seq DESC
		LIMIT 1
	`, tenantID, sourceKey)

	snap, err := scanSnapshot(row)
	if err != nil {
		return nil, notFound("snapshot", sourceKey, "latest", err)
	}
	return snap.Payload, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*watcher.Snapshot, error) {
	var (
		snap     watcher.Snapshot
		payload  string
		metadata string
		captured string
	)
	if err := row.Scan(&snap.ID, &snap.SourceID, &snap.Fingerprint, &payload, &metadata, &captured); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("payload", payload, &snap.Payload); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("metadata", metadata, &snap.Metadata); err != nil {
		return nil, err
	}
	t, err := parseTime(captured)
	if err != nil {
		return nil, err
	}
	snap.CapturedAt = t
	if snap.Payload == nil {
		snap.Payload = []watcher.Record{}
	}
	return &snap, nil
}

func objectOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
