package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/roach88/complyflow/internal/fingerprint"
	"github.com/roach88/complyflow/internal/sourcediff"
)

const meterName = "github.com/roach88/complyflow/internal/watcher"

// Poll outcomes recorded on the polls counter.
const (
	OutcomeNoChange = "no_change"
	OutcomeDrift    = "drift_detected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Watcher polls external sources and turns drift into moderation
// proposals.
//
// Each poll reads the previous snapshot and writes the new one with an
// optimistic check on the previous fingerprint, so concurrent pollers of
// the same (tenant, source) pair record a transition at most once. The
// change event and proposal writes that follow are best effort: failures
// are logged and nothing already written is rolled back.
type Watcher struct {
	store    Persistence
	severity SeverityFunc
	clock    Clock
	ids      IDGenerator
	index    WorkflowIndex
	sink     EventSink
	logger   *slog.Logger

	mu      sync.RWMutex
	pollers map[string]Poller

	polls    metric.Int64Counter
	failures metric.Int64Counter
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithSeverity replaces DefaultSeverity.
func WithSeverity(fn SeverityFunc) Option {
	return func(w *Watcher) { w.severity = fn }
}

// WithClock sets the clock used for capture and detection times.
func WithClock(c Clock) Option {
	return func(w *Watcher) { w.clock = c }
}

// WithIDGenerator sets the id source. Default: UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(w *Watcher) { w.ids = g }
}

// WithWorkflowIndex lets drift events list the affected workflows.
func WithWorkflowIndex(idx WorkflowIndex) Option {
	return func(w *Watcher) { w.index = idx }
}

// WithEventSink publishes every drift event.
func WithEventSink(s EventSink) Option {
	return func(w *Watcher) { w.sink = s }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// WithMeter sets the meter for poll counters. Default: the global
// MeterProvider.
func WithMeter(m metric.Meter) Option {
	return func(w *Watcher) { w.initMetrics(m) }
}

// New creates a Watcher persisting to store.
func New(store Persistence, opts ...Option) *Watcher {
	w := &Watcher{
		store:    store,
		severity: DefaultSeverity,
		clock:    systemClock{},
		ids:      UUIDGenerator{},
		logger:   slog.Default(),
		pollers:  make(map[string]Poller),
	}
	w.initMetrics(otel.Meter(meterName))
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) initMetrics(m metric.Meter) {
	var err error
	w.polls, err = m.Int64Counter("complyflow.watcher.polls",
		metric.WithDescription("Source polls by outcome"))
	if err != nil {
		w.polls = noop.Int64Counter{}
	}
	w.failures, err = m.Int64Counter("complyflow.watcher.persistence_failures",
		metric.WithDescription("Best-effort watcher writes that failed"))
	if err != nil {
		w.failures = noop.Int64Counter{}
	}
}

// Register sets the poller for sourceKey, replacing any previous one.
func (w *Watcher) Register(sourceKey string, p Poller) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pollers[sourceKey] = p
}

func (w *Watcher) poller(sourceKey string) (Poller, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.pollers[sourceKey]
	return p, ok
}

// Poll fetches sourceKey for tenantID and compares it with the last
// snapshot. It returns nil, nil when nothing changed, or when a concurrent
// poller already recorded the same transition. Fetch and read failures are
// returned; nothing is written in that case.
func (w *Watcher) Poll(ctx context.Context, tenantID, sourceKey string) (*WatchEvent, error) {
	ev, outcome, err := w.poll(ctx, tenantID, sourceKey)
	if err != nil {
		outcome = OutcomeError
	}
	w.polls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", sourceKey),
		attribute.String("outcome", outcome)))
	return ev, err
}

func (w *Watcher) poll(ctx context.Context, tenantID, sourceKey string) (*WatchEvent, string, error) {
	p, ok := w.poller(sourceKey)
	if !ok {
		return nil, "", fmt.Errorf("poll %s: no poller registered", sourceKey)
	}

	sourceID, err := w.store.ResolveSourceID(ctx, tenantID, sourceKey)
	if err != nil {
		return nil, "", fmt.Errorf("poll %s: resolve source: %w", sourceKey, err)
	}

	records, err := p.Poll(ctx, sourceKey)
	if err != nil {
		return nil, "", fmt.Errorf("poll %s: fetch: %w", sourceKey, err)
	}
	fp, err := fingerprint.Fingerprint(records)
	if err != nil {
		return nil, "", fmt.Errorf("poll %s: %w", sourceKey, err)
	}

	prev, err := w.store.LoadPreviousSnapshot(ctx, tenantID, sourceID)
	if err != nil {
		return nil, "", fmt.Errorf("poll %s: load previous snapshot: %w", sourceKey, err)
	}
	if prev != nil && prev.Fingerprint == fp {
		w.logger.Debug("source unchanged", "tenant", tenantID, "source", sourceKey, "fingerprint", fp)
		return nil, OutcomeNoChange, nil
	}

	var (
		prevPayload []Record
		prevHash    string
	)
	if prev != nil {
		prevPayload = prev.Payload
		prevHash = prev.Fingerprint
	}
	diff, err := sourcediff.Compute(prevPayload, records)
	if err != nil {
		return nil, "", fmt.Errorf("poll %s: diff: %w", sourceKey, err)
	}
	severity := w.severity(diff)
	now := w.clock.Now()

	current := Snapshot{
		ID:          w.ids.NewID(),
		SourceID:    sourceID,
		Fingerprint: fp,
		Payload:     records,
		Metadata:    map[string]any{"sourceKey": sourceKey, "recordCount": len(records)},
		CapturedAt:  now,
	}
	snapID, err := w.store.SaveSnapshot(ctx, tenantID, sourceID, prevHash, current)
	switch {
	case errors.Is(err, ErrSnapshotConflict):
		w.logger.Info("snapshot already advanced by another poller",
			"tenant", tenantID, "source", sourceKey, "expected", prevHash, "fingerprint", fp)
		return nil, OutcomeConflict, nil
	case err != nil:
		w.persistFailed(ctx, "snapshot", tenantID, sourceKey, err)
		current.ID = ""
	default:
		current.ID = snapID
	}

	ev := &WatchEvent{
		TenantID:   tenantID,
		SourceKey:  sourceKey,
		SourceID:   sourceID,
		DetectedAt: now,
		Summary:    diff.Summary(),
		Severity:   severity,
		Diff:       diff,
		Current:    current,
		Previous:   prev,
	}
	if w.index != nil {
		workflows, err := w.index.WorkflowsForSource(ctx, tenantID, sourceKey)
		if err != nil {
			w.logger.Warn("workflow lookup failed", "tenant", tenantID, "source", sourceKey, "error", err)
		}
		ev.Workflows = workflows
	}

	w.record(ctx, ev, prevHash)

	if w.sink != nil {
		if err := w.sink.Publish(ctx, ev); err != nil {
			w.logger.Warn("publish watch event failed", "tenant", tenantID, "source", sourceKey, "error", err)
		}
	}

	w.logger.Info("source drift detected",
		"tenant", tenantID,
		"source", sourceKey,
		"severity", severity,
		"summary", ev.Summary,
		"from", prevHash,
		"to", fp)
	return ev, OutcomeDrift, nil
}

// record writes the change event and its moderation proposal. Both writes
// are best effort. A proposal is only written once its change event is and
// the snapshot was stored; otherwise the next poll sees the same transition
// and proposes it then.
func (w *Watcher) record(ctx context.Context, ev *WatchEvent, prevHash string) {
	change := ChangeEvent{
		ID:         w.ids.NewID(),
		TenantID:   ev.TenantID,
		SourceID:   ev.SourceID,
		FromHash:   prevHash,
		ToHash:     ev.Current.Fingerprint,
		DetectedAt: ev.DetectedAt,
		Severity:   ev.Severity,
		Notes:      ev.Summary,
	}
	changeID, err := w.store.InsertChangeEvent(ctx, change)
	if err != nil {
		w.persistFailed(ctx, "change_event", ev.TenantID, ev.SourceKey, err)
		return
	}
	ev.ChangeEventID = changeID
	if ev.Current.ID == "" {
		w.logger.Warn("moderation proposal deferred until the snapshot is stored",
			"tenant", ev.TenantID, "source", ev.SourceKey, "change_event", changeID)
		return
	}

	proposal := Proposal{
		ID:            w.ids.NewID(),
		TenantID:      ev.TenantID,
		ChangeEventID: changeID,
		Proposal: map[string]any{
			"sourceKey": ev.SourceKey,
			"severity":  string(ev.Severity),
			"summary":   ev.Summary,
			"fromHash":  prevHash,
			"toHash":    ev.Current.Fingerprint,
			"added":     len(ev.Diff.Added),
			"removed":   len(ev.Diff.Removed),
			"changed":   len(ev.Diff.Changed),
			"workflows": ev.Workflows,
		},
		Status:    ProposalStatusPending,
		CreatedAt: ev.DetectedAt,
	}
	proposalID, err := w.store.InsertModerationProposal(ctx, proposal)
	if err != nil {
		w.persistFailed(ctx, "moderation_proposal", ev.TenantID, ev.SourceKey, err)
		return
	}
	ev.ProposalID = proposalID
}

func (w *Watcher) persistFailed(ctx context.Context, write, tenantID, sourceKey string, err error) {
	w.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("write", write)))
	w.logger.Error("watcher persistence failed",
		"write", write,
		"tenant", tenantID,
		"source", sourceKey,
		"error", err)
}
