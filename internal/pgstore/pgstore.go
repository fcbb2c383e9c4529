// Package pgstore persists watcher state in PostgreSQL.
//
// It mirrors the SQLite store's watcher tables for deployments where
// several watcher processes poll the same sources. Snapshot writes lock the
// source's registry row (SELECT ... FOR UPDATE) before comparing the latest
// fingerprint, so concurrent pollers across processes record a transition
// once.
package pgstore

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/complyflow/internal/canonical"
	"github.com/roach88/complyflow/internal/lockfile"
	"github.com/roach88/complyflow/internal/watcher"
)

//go:embed schema.sql
var schemaSQL string

var _ watcher.Persistence = (*Store)(nil)

// Store is a watcher.Persistence backed by a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool. Call Migrate before first use.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect parses dsn, opens a pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres connection string: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the watcher tables. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ResolveSourceID implements watcher.Persistence.
func (s *Store) ResolveSourceID(ctx context.Context, tenantID, sourceKey string) (string, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO source_registry (id, tenant_id, source_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, source_key) DO NOTHING
	`, newID(), tenantID, sourceKey)
	if err != nil {
		return "", fmt.Errorf("resolve source %s: %w", sourceKey, err)
	}

	var id string
	err = s.pool.QueryRow(ctx,
		"SELECT id FROM source_registry WHERE tenant_id = $1 AND source_key = $2",
		tenantID, sourceKey).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("resolve source %s: %w", sourceKey, err)
	}
	return id, nil
}

// LoadPreviousSnapshot implements watcher.Persistence.
func (s *Store) LoadPreviousSnapshot(ctx context.Context, tenantID, sourceID string) (*watcher.Snapshot, error) {
	var (
		snap     watcher.Snapshot
		payload  []byte
		metadata []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, source_id, fingerprint, payload, metadata, captured_at
		FROM snapshots
		WHERE tenant_id = $1 AND source_id = $2
		ORDER BY seq DESC
		LIMIT 1
	`, tenantID, sourceID).Scan(&snap.ID, &snap.SourceID, &snap.Fingerprint, &payload, &metadata, &snap.CapturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", sourceID, err)
	}
	if err := decode(payload, &snap.Payload); err != nil {
		return nil, fmt.Errorf("load snapshot %s: payload: %w", sourceID, err)
	}
	if err := decode(metadata, &snap.Metadata); err != nil {
		return nil, fmt.Errorf("load snapshot %s: metadata: %w", sourceID, err)
	}
	snap.CapturedAt = snap.CapturedAt.UTC()
	return &snap, nil
}

// SaveSnapshot implements watcher.Persistence.
func (s *Store) SaveSnapshot(ctx context.Context, tenantID, sourceID, expectedPrevious string, snap watcher.Snapshot) (string, error) {
	payload, err := canonical.Marshal(snap.Payload)
	if err != nil {
		return "", fmt.Errorf("save snapshot: payload: %w", err)
	}
	metadata := snap.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := canonical.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("save snapshot: metadata: %w", err)
	}
	id := snap.ID
	if id == "" {
		id = newID()
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var locked string
		if err := tx.QueryRow(ctx,
			"SELECT id FROM source_registry WHERE id = $1 FOR UPDATE", sourceID).Scan(&locked); err != nil {
			return fmt.Errorf("lock source: %w", err)
		}

		var latest string
		err := tx.QueryRow(ctx, `
			SELECT fingerprint FROM snapshots
			WHERE tenant_id = $1 AND source_id = $2
			ORDER BY seq DESC
			LIMIT 1
		`, tenantID, sourceID).Scan(&latest)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("read latest fingerprint: %w", err)
		}
		if latest != expectedPrevious {
			return watcher.ErrSnapshotConflict
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO snapshots
			(id, tenant_id, source_id, fingerprint, payload, metadata, captured_at)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7)
		`, id, tenantID, sourceID, snap.Fingerprint, string(payload), string(meta), snap.CapturedAt)
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

// InsertChangeEvent implements watcher.Persistence.
func (s *Store) InsertChangeEvent(ctx context.Context, ev watcher.ChangeEvent) (string, error) {
	id := ev.ID
	if id == "" {
		id = newID()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO change_events
		(id, tenant_id, source_id, from_hash, to_hash, detected_at, severity, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, ev.TenantID, ev.SourceID, ev.FromHash, ev.ToHash, ev.DetectedAt, string(ev.Severity), ev.Notes)
	if err != nil {
		return "", fmt.Errorf("insert change event: %w", err)
	}
	return id, nil
}

// InsertModerationProposal implements watcher.Persistence.
func (s *Store) InsertModerationProposal(ctx context.Context, p watcher.Proposal) (string, error) {
	body := p.Proposal
	if body == nil {
		body = map[string]any{}
	}
	data, err := canonical.Marshal(body)
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO moderation_queue
		(id, tenant_id, change_event_id, proposal, status, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
	`, id, p.TenantID, p.ChangeEventID, string(data), status, p.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert moderation proposal: %w", err)
	}
	return id, nil
}

// PendingCount returns the number of pending proposals for a tenant.
func (s *Store) PendingCount(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM moderation_queue WHERE tenant_id = $1 AND status = $2",
		tenantID, watcher.ProposalStatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending proposals: %w", err)
	}
	return n, nil
}

// LatestRecords returns the payload of the latest snapshot of sourceKey,
// or an error wrapping lockfile.ErrNotFound when there is none.
func (s *Store) LatestRecords(ctx context.Context, tenantID, sourceKey string) ([]watcher.Record, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT s.payload
		FROM snapshots s
		JOIN source_registry r ON r.id = s.source_id
		WHERE r.tenant_id = $1 AND r.source_key = $2
		ORDER BY s.seq DESC
		LIMIT 1
	`, tenantID, sourceKey).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", sourceKey, lockfile.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read latest snapshot %s: %w", sourceKey, err)
	}
	records := []watcher.Record{}
	if err := decode(payload, &records); err != nil {
		return nil, fmt.Errorf("read latest snapshot %s: payload: %w", sourceKey, err)
	}
	return records, nil
}

// decode parses JSONB with json.Number so large integers keep their
// fingerprints.
func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
