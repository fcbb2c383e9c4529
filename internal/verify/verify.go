// Package verify replays a lockfile's pinned rule sources against live
// records and reports which rules are stale.
//
// Verification is read-only: it never changes the lockfile and never
// triggers remediation.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/complyflow/internal/fingerprint"
	"github.com/roach88/complyflow/internal/lockfile"
)

// SampleSize caps the records kept as evidence per source.
const SampleSize = 5

// Status is the verification outcome of a rule or a whole lockfile.
type Status string

const (
	StatusVerified Status = "verified"
	StatusStale    Status = "stale"
)

// Fetcher returns the live records of a source. Timeouts and retries are
// the fetcher's responsibility.
type Fetcher func(ctx context.Context, sourceKey string) ([]fingerprint.Record, error)

// SourceEvidence compares one pinned source with its live state.
type SourceEvidence struct {
	SourceKey           string               `json:"sourceKey"`
	ExpectedFingerprint string               `json:"expectedFingerprint"`
	ObservedFingerprint string               `json:"observedFingerprint"`
	Matches             bool                 `json:"matches"`
	RecordCount         int                  `json:"recordCount"`
	Sample              []fingerprint.Record `json:"sample"`
}

// RuleResult is the outcome for one rule. A rule is stale when any of its
// sources no longer matches.
type RuleResult struct {
	RuleID  string           `json:"ruleId"`
	Version string           `json:"version"`
	Status  Status           `json:"status"`
	Sources []SourceEvidence `json:"sources"`
}

// Result is the outcome for a whole lockfile, rules in id order.
type Result struct {
	Status Status       `json:"status"`
	Rules  []RuleResult `json:"rules"`
}

// Stale returns the ids of stale rules.
func (r *Result) Stale() []string {
	var ids []string
	for _, rule := range r.Rules {
		if rule.Status == StatusStale {
			ids = append(ids, rule.RuleID)
		}
	}
	return ids
}

// Verify re-fetches every source pinned by every rule in lock, recomputes
// its fingerprint and compares it with the pinned value. A fetch error
// aborts verification.
func Verify(ctx context.Context, lock *lockfile.Lockfile, fetch Fetcher) (*Result, error) {
	ids := make([]string, 0, len(lock.Rules))
	for id := range lock.Rules {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	result := &Result{Status: StatusVerified, Rules: make([]RuleResult, 0, len(ids))}
	for _, id := range ids {
		pin := lock.Rules[id]
		rule := RuleResult{
			RuleID:  id,
			Version: pin.Version,
			Status:  StatusVerified,
			Sources: make([]SourceEvidence, 0, len(pin.Sources)),
		}

		for _, src := range pin.Sources {
			records, err := fetch(ctx, src.SourceKey)
			if err != nil {
				return nil, fmt.Errorf("verify rule %s: fetch %s: %w", id, src.SourceKey, err)
			}
			observed, err := fingerprint.Fingerprint(records)
			if err != nil {
				return nil, fmt.Errorf("verify rule %s: source %s: %w", id, src.SourceKey, err)
			}

			ev := SourceEvidence{
				SourceKey:           src.SourceKey,
				ExpectedFingerprint: src.Fingerprint,
				ObservedFingerprint: observed,
				Matches:             observed == src.Fingerprint,
				RecordCount:         len(records),
				Sample:              sample(records),
			}
			if !ev.Matches {
				rule.Status = StatusStale
			}
			rule.Sources = append(rule.Sources, ev)
		}

		if rule.Status == StatusStale {
			result.Status = StatusStale
			slog.Info("rule stale", "rule", id, "version", pin.Version)
		}
		result.Rules = append(result.Rules, rule)
	}

	slog.Debug("lockfile verified", "workflow", lock.WorkflowDef.ID, "rules", len(ids), "status", result.Status)
	return result, nil
}

func sample(records []fingerprint.Record) []fingerprint.Record {
	n := min(len(records), SampleSize)
	out := make([]fingerprint.Record, n)
	copy(out, records[:n])
	return out
}
