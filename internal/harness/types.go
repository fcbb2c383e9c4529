package harness

import (
	"github.com/roach88/complyflow/internal/overlay"
	"github.com/roach88/complyflow/internal/validator"
	"github.com/roach88/complyflow/internal/workflow"
)

// Materialization outcomes.
const (
	OutcomeOK                  = "ok"
	OutcomePatchFailed         = "patch_failed"
	OutcomeRequiredStepMissing = "required_step_missing"
	OutcomeGraphInvalid        = "graph_invalid"
)

// PollTrace records one replayed poll.
type PollTrace struct {
	Seq         int    `json:"seq"`
	Source      string `json:"source"`
	Drift       bool   `json:"drift"`
	Severity    string `json:"severity,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// PatchFailure identifies the overlay operation that could not be applied.
type PatchFailure struct {
	Source string `json:"source"`
	Index  int    `json:"index"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if the outcome matched and every assertion held.
	Pass bool `json:"pass"`

	// Outcome is the materialization outcome (OutcomeOK, ...).
	Outcome string `json:"outcome"`

	// Workflow, Impact and Warnings are set when Outcome is OutcomeOK.
	Workflow *workflow.Graph   `json:"workflow,omitempty"`
	Impact   overlay.ImpactMap `json:"impact"`
	Warnings []string          `json:"warnings,omitempty"`

	// Issues are set when Outcome is OutcomeGraphInvalid.
	Issues []validator.Issue `json:"issues,omitempty"`

	// Missing lists removed required steps for OutcomeRequiredStepMissing.
	Missing []string `json:"missing,omitempty"`

	// Patch is set when Outcome is OutcomePatchFailed.
	Patch *PatchFailure `json:"patch,omitempty"`

	// Trace contains every replayed poll in order.
	Trace []PollTrace `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []PollTrace{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddPollTrace appends a poll to the trace, numbering it from 1.
func (r *Result) AddPollTrace(p PollTrace) {
	p.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, p)
}

// Drifts returns the polls of source that detected drift, in order.
func (r *Result) Drifts(source string) []PollTrace {
	var out []PollTrace
	for _, p := range r.Trace {
		if p.Source == source && p.Drift {
			out = append(out, p)
		}
	}
	return out
}
