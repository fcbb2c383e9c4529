package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/roach88/complyflow/internal/fingerprint"
	"github.com/roach88/complyflow/internal/sourcediff"
	"github.com/roach88/complyflow/internal/testutil"
)

type memoryStore struct {
	mu         sync.Mutex
	sources    map[string]string
	snapshots  map[string][]Snapshot
	events     []ChangeEvent
	proposals  []Proposal
	beforeSave func()

	failSnapshot error
	failEvent    error
	failProposal error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sources:   make(map[string]string),
		snapshots: make(map[string][]Snapshot),
	}
}

func (m *memoryStore) ResolveSourceID(_ context.Context, tenantID, sourceKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID + "/" + sourceKey
	if id, ok := m.sources[key]; ok {
		return id, nil
	}
	id := fmt.Sprintf("src-%d", len(m.sources)+1)
	m.sources[key] = id
	return id, nil
}

func (m *memoryStore) LoadPreviousSnapshot(_ context.Context, tenantID, sourceID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.snapshots[tenantID+"/"+sourceID]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[len(list)-1]
	return &latest, nil
}

func (m *memoryStore) SaveSnapshot(_ context.Context, tenantID, sourceID, expectedPrevious string, snap Snapshot) (string, error) {
	if m.beforeSave != nil {
		m.beforeSave()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSnapshot != nil {
		return "", m.failSnapshot
	}
	key := tenantID + "/" + sourceID
	list := m.snapshots[key]
	latest := ""
	if len(list) > 0 {
		latest = list[len(list)-1].Fingerprint
	}
	if latest != expectedPrevious {
		return "", ErrSnapshotConflict
	}
	m.snapshots[key] = append(list, snap)
	return snap.ID, nil
}

func (m *memoryStore) InsertChangeEvent(_ context.Context, ev ChangeEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEvent != nil {
		return "", m.failEvent
	}
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *memoryStore) InsertModerationProposal(_ context.Context, p Proposal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failProposal != nil {
		return "", m.failProposal
	}
	m.proposals = append(m.proposals, p)
	return p.ID, nil
}

func (m *memoryStore) snapshotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, list := range m.snapshots {
		n += len(list)
	}
	return n
}

// feed is a poller returning whatever records it currently holds.
type feed struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (f *feed) set(records ...Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
}

func (f *feed) Poll(context.Context, string) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records, f.err
}

type recordingSink struct {
	events []*WatchEvent
	err    error
}

func (s *recordingSink) Publish(_ context.Context, ev *WatchEvent) error {
	s.events = append(s.events, ev)
	return s.err
}

type staticIndex map[string][]string

func (s staticIndex) WorkflowsForSource(_ context.Context, _, sourceKey string) ([]string, error) {
	return s[sourceKey], nil
}

const (
	tenant = "tenant-1"
	source = "companies-house"
)

var (
	acme  = Record{"id": "1", "name": "Acme Ltd", "status": "active"}
	beta  = Record{"id": "2", "name": "Beta plc", "status": "active"}
	gamma = Record{"id": "3", "name": "Gamma LLP", "status": "active"}
)

func newWatcher(store Persistence, f Poller, opts ...Option) *Watcher {
	base := []Option{
		WithClock(testutil.NewStepClock(time.Time{}, time.Minute)),
		WithIDGenerator(testutil.NewSequentialIDs("id")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMeter(noop.NewMeterProvider().Meter("test")),
	}
	w := New(store, append(base, opts...)...)
	w.Register(source, f)
	return w
}

func TestPollFirstCapture(t *testing.T) {
	store := newMemoryStore()
	f := &feed{}
	f.set(acme, beta)
	w := newWatcher(store, f)

	ev, err := w.Poll(context.Background(), tenant, source)
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, source, ev.SourceKey)
	assert.Equal(t, "src-1", ev.SourceID)
	assert.Equal(t, testutil.Epoch, ev.DetectedAt)
	assert.Nil(t, ev.Previous)
	assert.Len(t, ev.Diff.Added, 2)
	assert.Equal(t, SeverityPatch, ev.Severity)
	assert.Equal(t, "2 added, 0 removed, 0 changed", ev.Summary)
	assert.Equal(t, fingerprint.MustFingerprint([]Record{acme, beta}), ev.Current.Fingerprint)

	assert.Equal(t, "id-0001", ev.Current.ID)
	assert.Equal(t, "id-0002", ev.ChangeEventID)
	assert.Equal(t, "id-0003", ev.ProposalID)

	require.Len(t, store.events, 1)
	assert.Equal(t, "", store.events[0].FromHash)
	assert.Equal(t, ev.Current.Fingerprint, store.events[0].ToHash)
	require.Len(t, store.proposals, 1)
	assert.Equal(t, ProposalStatusPending, store.proposals[0].Status)
	assert.Equal(t, "id-0002", store.proposals[0].ChangeEventID)
}

func TestPollNoChange(t *testing.T) {
	store := newMemoryStore()
	f := &feed{}
	f.set(acme, beta)
	w := newWatcher(store, f)

	_, err := w.Poll(context.Background(), tenant, source)
	require.NoError(t, err)

	ev, err := w.Poll(context.Background(), tenant, source)
	require.NoError(t, err)
	assert.Nil(t, ev)

	f.set(beta, acme)
	ev, err = w.Poll(context.Background(), tenant, source)
	require.NoError(t, err)
	assert.Nil(t, ev, "record order is not drift")

	assert.Equal(t, 1, store.snapshotCount())
	assert.Len(t, store.events, 1)
	assert.Len(t, store.proposals, 1)
}

func TestPollDrift(t *testing.T) {
	store := newMemoryStore()
	f := &feed{}
	f.set(acme, beta)
	w := newWatcher(store, f)

	first, err := w.Poll(context.Background(), tenant, source)
	require.NoError(t, err)

	dissolved := Record{"id": "2", "name": "Beta plc", "status": "dissolved"}
	f.set(dissolved, gamma)
	ev, err := w.Poll(context.Background(), tenant, source)
	require.NoError(t, err)
	require.NotNil(t, ev)

	require.NotNil(t, ev.Previous)
	assert.Equal(t, first.Current.Fingerprint, ev.Previous.Fingerprint)
	assert.Equal(t, []Record{gamma}, ev.Diff.Added)
	assert.Equal(t, []Record{acme}, ev.Diff.Removed)
	require.Len(t, ev.Diff.Changed, 1)
	assert.Equal(t, dissolved, ev.Diff.Changed[0].After)
	assert.Equal(t, SeverityMajor, ev.Severity)

	require.Len(t, store.events, 2)
	assert.Equal(t, first.Current.Fingerprint, store.events[1].FromHash)
	assert.Equal(t, SeverityMajor, store.events[1].Severity)
	assert.Equal(t, 2, store.snapshotCount())
}

func TestDefaultSeverity(t *testing.T) {
	n := func(k int) []Record { return make([]Record, k) }
	changes := func(k int) []sourcediff.Change { return make([]sourcediff.Change, k) }

	tests := []struct {
		name string
		diff sourcediff.Diff
		want Severity
	}{
		{"one removal", sourcediff.Diff{Removed: n(1)}, SeverityMajor},
		{"five changes", sourcediff.Diff{Changed: changes(5)}, SeverityMajor},
		{"four changes", sourcediff.Diff{Changed: changes(4)}, SeverityMinor},
		{"one change", sourcediff.Diff{Changed: changes(1)}, SeverityMinor},
		{"five additions", sourcediff.Diff{Added: n(5)}, SeverityMinor},
		{"four additions", sourcediff.Diff{Added: n(4)}, SeverityPatch},
		{"empty", sourcediff.Diff{}, SeverityPatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultSeverity(tt.diff))
		})
	}
}

func TestPollCustomSeverity(t *testing.T) {
	f := &feed{}
	f.set(acme)
	w := newWatcher(newMemoryStore(), f, WithSeverity(ThresholdSeverity(1, 1)))

	ev, err := w.Poll(context.Background(), tenant, source)
	require.NoError(t, err)
	assert.Equal(t, SeverityMinor, ev.Severity)
}

func TestPollPersistenceFailuresAreSwallowed(t *testing.T) {
	boom := errors.New("disk full")

	t.Run("snapshot", func(t *testing.T) {
		store := newMemoryStore()
		store.failSnapshot = boom
		f := &feed{}
		f.set(acme)

		ev, err := newWatcher(store, f).Poll(context.Background(), tenant, source)
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Empty(t, ev.Current.ID)
		assert.Len(t, store.events, 1, "change event still written")
		assert.Empty(t, store.proposals, "proposal waits for the snapshot")
		assert.Empty(t, ev.ProposalID)
	})

	t.Run("snapshot then recovery", func(t *testing.T) {
		store := newMemoryStore()
		store.failSnapshot = boom
		f := &feed{}
		f.set(acme)
		w := newWatcher(store, f)

		_, err := w.Poll(context.Background(), tenant, source)
		require.NoError(t, err)

		store.failSnapshot = nil
		ev, err := w.Poll(context.Background(), tenant, source)
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.NotEmpty(t, ev.ProposalID)

		ev, err = w.Poll(context.Background(), tenant, source)
		require.NoError(t, err)
		assert.Nil(t, ev)
		assert.Len(t, store.proposals, 1, "one proposal per transition")
	})

	t.Run("change event", func(t *testing.T) {
		store := newMemoryStore()
		store.failEvent = boom
		f := &feed{}
		f.set(acme)

		ev, err := newWatcher(store, f).Poll(context.Background(), tenant, source)
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.NotEmpty(t, ev.Current.ID)
		assert.Empty(t, ev.ChangeEventID)
		assert.Empty(t, store.proposals, "proposal needs its change event")
		assert.Equal(t, 1, store.snapshotCount(), "no rollback")
	})

	t.Run("proposal", func(t *testing.T) {
		store := newMemoryStore()
		store.failProposal = boom
		f := &feed{}
		f.set(acme)

		ev, err := newWatcher(store, f).Poll(context.Background(), tenant, source)
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.NotEmpty(t, ev.ChangeEventID)
		assert.Empty(t, ev.ProposalID)
		assert.Len(t, store.events, 1)
	})
}

func TestPollSnapshotConflict(t *testing.T) {
	store := newMemoryStore()
	f := &feed{}
	f.set(acme)
	w := newWatcher(store, f)

	store.beforeSave = func() {
		store.beforeSave = nil
		sourceID, _ := store.ResolveSourceID(context.Background(), tenant, source)
		_, err := store.SaveSnapshot(context.Background(), tenant, sourceID, "", Snapshot{ID: "other", Fingerprint: "concurrent"})
		require.NoError(t, err)
	}

	ev, err := w.Poll(context.Background(), tenant, source)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, store.events)
	assert.Empty(t, store.proposals)
}

func TestPollConcurrentPollersEnqueueOnce(t *testing.T) {
	store := newMemoryStore()
	f := &feed{}
	f.set(acme, beta)
	w := newWatcher(store, f)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Poll(context.Background(), tenant, source)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.snapshotCount())
	assert.Len(t, store.proposals, 1)
}

func TestPollFetchError(t *testing.T) {
	store := newMemoryStore()
	f := &feed{err: errors.New("registry unavailable")}

	ev, err := newWatcher(store, f).Poll(context.Background(), tenant, source)
	require.Error(t, err)
	assert.Nil(t, ev)
	assert.Contains(t, err.Error(), "registry unavailable")
	assert.Zero(t, store.snapshotCount())
}

func TestPollUnknownSource(t *testing.T) {
	w := newWatcher(newMemoryStore(), &feed{})

	_, err := w.Poll(context.Background(), tenant, "charity-register")
	assert.ErrorContains(t, err, "no poller registered")
}

func TestPollNotifiesSinkAndListsWorkflows(t *testing.T) {
	sink := &recordingSink{err: errors.New("nats down")}
	f := &feed{}
	f.set(acme)
	w := newWatcher(newMemoryStore(), f,
		WithEventSink(sink),
		WithWorkflowIndex(staticIndex{source: {"annual-filing", "director-change"}}))

	ev, err := w.Poll(context.Background(), tenant, source)
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Equal(t, []string{"annual-filing", "director-change"}, ev.Workflows)
	require.Len(t, sink.events, 1)
	assert.Same(t, ev, sink.events[0])
}

func TestPollerFunc(t *testing.T) {
	w := New(newMemoryStore(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	w.Register("static", PollerFunc(func(context.Context, string) ([]Record, error) {
		return []Record{acme}, nil
	}))

	ev, err := w.Poll(context.Background(), tenant, "static")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.False(t, ev.DetectedAt.IsZero())
	assert.Len(t, ev.Current.ID, 36, "UUIDv7 by default")
}
