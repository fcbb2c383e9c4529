package watcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/complyflow/internal/sourcediff"
)

// ErrSnapshotConflict is returned by Persistence.SaveSnapshot when the
// latest stored fingerprint no longer matches the one the poll started
// from: another poller already recorded this transition.
var ErrSnapshotConflict = errors.New("snapshot conflict")

// ProposalStatusPending is the status of every newly enqueued proposal.
const ProposalStatusPending = "pending"

// Record is one external fact.
type Record = sourcediff.Record

// Snapshot is the stored state of a source at one point in time.
type Snapshot struct {
	ID          string         `json:"snapshotId,omitempty"`
	SourceID    string         `json:"sourceId,omitempty"`
	Fingerprint string         `json:"fingerprint"`
	Payload     []Record       `json:"payload"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CapturedAt  time.Time      `json:"capturedAt"`
}

// ChangeEvent records one detected fingerprint transition.
type ChangeEvent struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenantId"`
	SourceID   string    `json:"sourceId"`
	FromHash   string    `json:"fromHash,omitempty"`
	ToHash     string    `json:"toHash"`
	DetectedAt time.Time `json:"detectedAt"`
	Severity   Severity  `json:"severity"`
	Notes      string    `json:"notes"`
}

// Proposal is a moderation queue entry awaiting human review.
type Proposal struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	ChangeEventID string         `json:"changeEventId"`
	Proposal      map[string]any `json:"proposal"`
	Status        string         `json:"status"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Persistence stores watcher state. Implementations live outside the
// watcher (see internal/store and internal/pgstore).
type Persistence interface {
	// ResolveSourceID returns the registry id of sourceKey for the tenant,
	// creating the registry entry on first use.
	ResolveSourceID(ctx context.Context, tenantID, sourceKey string) (string, error)

	// LoadPreviousSnapshot returns the latest snapshot, or nil when the
	// source has never been captured.
	LoadPreviousSnapshot(ctx context.Context, tenantID, sourceID string) (*Snapshot, error)

	// SaveSnapshot stores snap as the latest snapshot provided the current
	// latest fingerprint equals expectedPrevious ("" meaning none). It
	// returns ErrSnapshotConflict otherwise.
	SaveSnapshot(ctx context.Context, tenantID, sourceID, expectedPrevious string, snap Snapshot) (string, error)

	InsertChangeEvent(ctx context.Context, ev ChangeEvent) (string, error)
	InsertModerationProposal(ctx context.Context, p Proposal) (string, error)
}

// Poller fetches the live records of one kind of source.
type Poller interface {
	Poll(ctx context.Context, sourceKey string) ([]Record, error)
}

// PollerFunc adapts a function to Poller.
type PollerFunc func(ctx context.Context, sourceKey string) ([]Record, error)

// Poll implements Poller.
func (f PollerFunc) Poll(ctx context.Context, sourceKey string) ([]Record, error) {
	return f(ctx, sourceKey)
}

// WorkflowIndex finds the workflows that depend on a source.
type WorkflowIndex interface {
	WorkflowsForSource(ctx context.Context, tenantID, sourceKey string) ([]string, error)
}

// EventSink is notified of every drift event. Delivery is best effort.
type EventSink interface {
	Publish(ctx context.Context, ev *WatchEvent) error
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator provides ids for snapshots, change events and proposals.
type IDGenerator interface {
	NewID() string
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// UUIDGenerator generates time-ordered UUIDv7 ids.
type UUIDGenerator struct{}

// NewID implements IDGenerator.
func (UUIDGenerator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// WatchEvent is the result of a poll that detected drift.
type WatchEvent struct {
	TenantID      string          `json:"tenantId"`
	SourceKey     string          `json:"sourceKey"`
	SourceID      string          `json:"sourceId"`
	DetectedAt    time.Time       `json:"detectedAt"`
	Summary       string          `json:"summary"`
	Severity      Severity        `json:"severity"`
	Diff          sourcediff.Diff `json:"diff"`
	Current       Snapshot        `json:"current"`
	Previous      *Snapshot       `json:"previous,omitempty"`
	Workflows     []string        `json:"workflows,omitempty"`
	ChangeEventID string          `json:"changeEventId,omitempty"`
	ProposalID    string          `json:"proposalId,omitempty"`
}
