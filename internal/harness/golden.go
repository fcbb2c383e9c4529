package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/complyflow/internal/canonical"
)

// Snapshot captures the observable outcome of a scenario execution.
// Fingerprints and generated ids are left out so the golden file only
// changes when behavior does.
type Snapshot struct {
	ScenarioName string
	Result       *Result
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON
// serialization. Only the fields meaningful for the outcome are included.
func (s *Snapshot) toCanonicalMap() (map[string]any, error) {
	r := s.Result
	out := map[string]any{
		"scenario": s.ScenarioName,
		"outcome":  r.Outcome,
	}

	switch r.Outcome {
	case OutcomeOK:
		doc, err := r.Workflow.Document()
		if err != nil {
			return nil, err
		}
		out["workflow"] = doc
		out["impact"] = map[string]any{
			"added":   stringList(r.Impact.AddedSteps),
			"removed": stringList(r.Impact.RemovedSteps),
			"changed": stringList(r.Impact.ChangedSteps),
		}
		out["warnings"] = stringList(r.Warnings)
	case OutcomeGraphInvalid:
		codes := make([]any, len(r.Issues))
		for i, issue := range r.Issues {
			codes[i] = issue.Code
		}
		out["issues"] = codes
	case OutcomeRequiredStepMissing:
		out["missing"] = stringList(r.Missing)
	case OutcomePatchFailed:
		out["patch"] = map[string]any{
			"source": r.Patch.Source,
			"index":  r.Patch.Index,
		}
	}

	polls := make([]any, len(r.Trace))
	for i, p := range r.Trace {
		poll := map[string]any{
			"seq":    p.Seq,
			"source": p.Source,
			"drift":  p.Drift,
		}
		if p.Drift {
			poll["severity"] = p.Severity
			poll["summary"] = p.Summary
		}
		polls[i] = poll
	}
	out["polls"] = polls
	return out, nil
}

func stringList(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// MarshalSnapshot renders the canonical golden form of a result, with a
// trailing newline.
func MarshalSnapshot(scenarioName string, result *Result) ([]byte, error) {
	snapshot := Snapshot{ScenarioName: scenarioName, Result: result}
	m, err := snapshot.toCanonicalMap()
	if err != nil {
		return nil, err
	}
	data, err := canonical.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file. The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
