package verify

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/complyflow/internal/fingerprint"
	"github.com/roach88/complyflow/internal/lockfile"
)

var pinned = []fingerprint.Record{
	{"id": "1", "name": "Acme Ltd"},
	{"id": "2", "name": "Beta plc"},
}

func lockFor(sources map[string][]string) *lockfile.Lockfile {
	lock := &lockfile.Lockfile{
		WorkflowDef: lockfile.ArtifactRef{ID: "annual-filing", Version: "3"},
		Rules:       map[string]lockfile.RulePin{},
	}
	for rule, keys := range sources {
		pin := lockfile.RulePin{ID: rule, Version: "1"}
		for _, key := range keys {
			pin.Sources = append(pin.Sources, lockfile.SourcePin{
				SourceKey:   key,
				Fingerprint: fingerprint.MustFingerprint(pinned),
			})
		}
		lock.Rules[rule] = pin
	}
	return lock
}

func fetcher(live map[string][]fingerprint.Record) Fetcher {
	return func(_ context.Context, key string) ([]fingerprint.Record, error) {
		records, ok := live[key]
		if !ok {
			return nil, fmt.Errorf("unknown source %q", key)
		}
		return records, nil
	}
}

func TestVerifyUnchangedSource(t *testing.T) {
	lock := lockFor(map[string][]string{"R1": {"S1"}})
	reordered := []fingerprint.Record{pinned[1], pinned[0]}

	result, err := Verify(context.Background(), lock, fetcher(map[string][]fingerprint.Record{"S1": reordered}))
	require.NoError(t, err)

	assert.Equal(t, StatusVerified, result.Status)
	require.Len(t, result.Rules, 1)
	rule := result.Rules[0]
	assert.Equal(t, "R1", rule.RuleID)
	assert.Equal(t, StatusVerified, rule.Status)
	require.Len(t, rule.Sources, 1)
	assert.Equal(t, rule.Sources[0].ExpectedFingerprint, rule.Sources[0].ObservedFingerprint)
	assert.True(t, rule.Sources[0].Matches)
	assert.Empty(t, result.Stale())
}

func TestVerifyChangedSource(t *testing.T) {
	lock := lockFor(map[string][]string{"R1": {"S1"}})
	changed := []fingerprint.Record{{"id": "1", "name": "Acme Holdings Ltd"}, pinned[1]}

	result, err := Verify(context.Background(), lock, fetcher(map[string][]fingerprint.Record{"S1": changed}))
	require.NoError(t, err)

	assert.Equal(t, StatusStale, result.Status)
	rule := result.Rules[0]
	assert.Equal(t, StatusStale, rule.Status)
	assert.NotEqual(t, rule.Sources[0].ExpectedFingerprint, rule.Sources[0].ObservedFingerprint)
	assert.False(t, rule.Sources[0].Matches)
	assert.Equal(t, []string{"R1"}, result.Stale())
}

func TestVerifyAnySourceMakesRuleStale(t *testing.T) {
	lock := lockFor(map[string][]string{"R1": {"S1", "S2"}, "R2": {"S1"}})

	result, err := Verify(context.Background(), lock, fetcher(map[string][]fingerprint.Record{
		"S1": pinned,
		"S2": {},
	}))
	require.NoError(t, err)

	assert.Equal(t, StatusStale, result.Status)
	require.Len(t, result.Rules, 2)
	assert.Equal(t, "R1", result.Rules[0].RuleID)
	assert.Equal(t, StatusStale, result.Rules[0].Status)
	assert.True(t, result.Rules[0].Sources[0].Matches)
	assert.False(t, result.Rules[0].Sources[1].Matches)
	assert.Equal(t, StatusVerified, result.Rules[1].Status)
}

func TestVerifySampleIsCapped(t *testing.T) {
	var live []fingerprint.Record
	for i := range 12 {
		live = append(live, fingerprint.Record{"id": fmt.Sprint(i)})
	}
	lock := lockFor(map[string][]string{"R1": {"S1"}})

	result, err := Verify(context.Background(), lock, fetcher(map[string][]fingerprint.Record{"S1": live}))
	require.NoError(t, err)

	ev := result.Rules[0].Sources[0]
	assert.Equal(t, 12, ev.RecordCount)
	assert.Len(t, ev.Sample, SampleSize)
	assert.Equal(t, live[:SampleSize], ev.Sample)
}

func TestVerifyFetchError(t *testing.T) {
	lock := lockFor(map[string][]string{"R1": {"S1"}})
	boom := errors.New("registry timeout")

	_, err := Verify(context.Background(), lock, func(context.Context, string) ([]fingerprint.Record, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "R1")
	assert.Contains(t, err.Error(), "S1")
}

func TestVerifyDoesNotMutateLockfile(t *testing.T) {
	lock := lockFor(map[string][]string{"R1": {"S1"}})
	before, err := lock.Encode()
	require.NoError(t, err)

	_, err = Verify(context.Background(), lock, fetcher(map[string][]fingerprint.Record{"S1": {}}))
	require.NoError(t, err)

	after, err := lock.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}
