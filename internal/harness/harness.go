package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/complyflow/internal/overlay"
	"github.com/roach88/complyflow/internal/patch"
	"github.com/roach88/complyflow/internal/store"
	"github.com/roach88/complyflow/internal/testutil"
	"github.com/roach88/complyflow/internal/watcher"
	"github.com/roach88/complyflow/internal/workflow"
)

// Harness is the test execution engine.
// It runs scenarios against an isolated store with a deterministic clock
// and id generator.
type Harness struct {
	store   *store.Store
	watcher *watcher.Watcher
	clock   *testutil.StepClock
	ids     *testutil.SequentialIDs
	logger  *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
//
// Execution flow:
// 1. Create fresh in-memory database and watcher
// 2. Load the base graph and the overlays or pack
// 3. Materialize and classify the outcome
// 4. Replay polls through the watcher
// 5. Evaluate assertions and return the result
//
// Unreadable inputs and store failures are returned as errors; a wrong
// outcome or a failed assertion is reported in Result.Errors.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:  st,
		clock:  testutil.NewStepClock(time.Time{}, time.Minute),
		ids:    testutil.NewSequentialIDs("snap"),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}
	h.watcher = watcher.New(st,
		watcher.WithClock(h.clock),
		watcher.WithIDGenerator(h.ids),
		watcher.WithLogger(h.logger))

	ctx := context.Background()
	result := NewResult()

	if err := h.materialize(scenario, result); err != nil {
		return nil, fmt.Errorf("failed to materialize: %w", err)
	}

	expected := scenario.Expect
	if expected == "" {
		expected = OutcomeOK
	}
	if result.Outcome != expected {
		result.AddError(fmt.Sprintf("outcome: expected %s, got %s", expected, result.Outcome))
	}

	tenant := scenario.Tenant
	if tenant == "" {
		tenant = DefaultTenant
	}
	if err := h.replayPolls(ctx, tenant, scenario.Polls, result); err != nil {
		return nil, fmt.Errorf("failed to replay polls: %w", err)
	}

	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}

	return result, nil
}

// materialize merges the scenario's overlays or pack into its base graph
// and records the outcome. Merge failures become outcomes, not errors.
func (h *Harness) materialize(scenario *Scenario, result *Result) error {
	base, err := loadGraph(scenario.Base)
	if err != nil {
		return err
	}

	var merged *overlay.Result
	if scenario.Pack != "" {
		pack, loadErr := overlay.LoadPack(scenario.Pack)
		if loadErr != nil {
			return loadErr
		}
		var mr *overlay.MergeResult
		mr, err = overlay.MergeWithPack(base, pack)
		if err == nil {
			merged = &mr.Result
		}
	} else {
		overlays := make([]patch.OverlayPatch, 0, len(scenario.Overlays))
		for _, path := range scenario.Overlays {
			o, loadErr := overlay.LoadOverlayFile(path)
			if loadErr != nil {
				return loadErr
			}
			overlays = append(overlays, *o)
		}
		merged, err = overlay.Materialize(base, overlays)
	}

	var (
		pe *patch.Error
		ge *overlay.GraphInvalidError
		re *overlay.RequiredStepMissingError
	)
	switch {
	case err == nil:
		result.Outcome = OutcomeOK
		result.Workflow = merged.Workflow
		result.Impact = merged.Impact
		result.Warnings = merged.Warnings
	case errors.As(err, &re):
		result.Outcome = OutcomeRequiredStepMissing
		result.Missing = re.StepIDs
	case errors.As(err, &ge):
		result.Outcome = OutcomeGraphInvalid
		result.Issues = ge.Issues
	case errors.As(err, &pe):
		result.Outcome = OutcomePatchFailed
		result.Patch = &PatchFailure{Source: pe.Source, Index: pe.Index}
	default:
		return err
	}
	h.logger.Debug("scenario materialized", "scenario", scenario.Name, "outcome", result.Outcome)
	return nil
}

// replayPolls feeds each poll's records to the watcher in order.
func (h *Harness) replayPolls(ctx context.Context, tenant string, polls []PollStep, result *Result) error {
	for i, step := range polls {
		records, err := loadRecords(step.Records)
		if err != nil {
			return fmt.Errorf("polls[%d]: %w", i, err)
		}
		h.watcher.Register(step.Source, watcher.PollerFunc(func(context.Context, string) ([]watcher.Record, error) {
			return records, nil
		}))

		ev, err := h.watcher.Poll(ctx, tenant, step.Source)
		if err != nil {
			return fmt.Errorf("polls[%d]: %w", i, err)
		}

		trace := PollTrace{Source: step.Source}
		if ev != nil {
			trace.Drift = true
			trace.Severity = string(ev.Severity)
			trace.Summary = ev.Summary
			trace.Fingerprint = ev.Current.Fingerprint
		}
		result.AddPollTrace(trace)
	}
	return nil
}

func loadGraph(path string) (*workflow.Graph, error) {
	data, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	g, err := workflow.DecodeGraph(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

func loadRecords(path string) ([]watcher.Record, error) {
	data, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	var records []watcher.Record
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("%s: records must be an array of objects: %w", path, err)
	}
	return records, nil
}

// readDocument reads path and converts it to JSON by extension.
func readDocument(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data, err := overlay.DocumentJSON(path, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return data, nil
}
