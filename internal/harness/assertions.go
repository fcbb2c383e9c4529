package harness

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string      // Assertion type for categorization
	Expected string      // Human-readable expected outcome
	Actual   string      // Human-readable actual outcome
	Steps    []string    // Merged step ids for context
	Trace    []PollTrace // Poll trace for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Steps) > 0 {
		fmt.Fprintf(&buf, "\nSteps: %s\n", strings.Join(e.Steps, ", "))
	}
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nPolls:\n")
		for _, p := range e.Trace {
			if p.Drift {
				fmt.Fprintf(&buf, "  [%d] %s drift %s (%s)\n", p.Seq, p.Source, p.Severity, p.Summary)
			} else {
				fmt.Fprintf(&buf, "  [%d] %s unchanged\n", p.Seq, p.Source)
			}
		}
	}

	return buf.String()
}

// stepIDs lists the merged workflow's step ids in order, or nil when the
// scenario did not materialize.
func stepIDs(result *Result) []string {
	if result.Workflow == nil {
		return nil
	}
	ids := make([]string, len(result.Workflow.Steps))
	for i, s := range result.Workflow.Steps {
		ids[i] = s.ID
	}
	return ids
}

// assertStepPresence checks that a step is (or is not) in the merged workflow.
func assertStepPresence(result *Result, assertion Assertion, want bool) error {
	ids := stepIDs(result)
	if slices.Contains(ids, assertion.Step) == want {
		return nil
	}
	expected, actual := "present", "absent"
	if !want {
		expected, actual = actual, expected
	}
	return &AssertionError{
		Type:     assertion.Type,
		Expected: fmt.Sprintf("step %s %s", assertion.Step, expected),
		Actual:   fmt.Sprintf("step %s %s", assertion.Step, actual),
		Steps:    ids,
	}
}

// assertStepOrder checks that the steps appear in the specified order.
// Other steps may appear between them.
func assertStepOrder(result *Result, assertion Assertion) error {
	ids := stepIDs(result)
	positions := make([]int, len(assertion.Steps))

	for i, step := range assertion.Steps {
		pos := slices.Index(ids, step)
		if pos < 0 {
			return &AssertionError{
				Type:     AssertStepOrder,
				Expected: fmt.Sprintf("steps in order: %v", assertion.Steps),
				Actual:   fmt.Sprintf("step %s not found", step),
				Steps:    ids,
			}
		}
		positions[i] = pos
	}

	for i := 1; i < len(positions); i++ {
		if positions[i] <= positions[i-1] {
			return &AssertionError{
				Type:     AssertStepOrder,
				Expected: fmt.Sprintf("steps in order: %v", assertion.Steps),
				Actual: fmt.Sprintf("%s at position %d, but %s at position %d",
					assertion.Steps[i-1], positions[i-1]+1, assertion.Steps[i], positions[i]+1),
				Steps: ids,
			}
		}
	}

	return nil
}

// assertImpact compares each given impact list exactly. Lists left nil in
// the assertion are not checked.
func assertImpact(result *Result, assertion Assertion) error {
	checks := []struct {
		name     string
		expected []string
		actual   []string
	}{
		{"added", assertion.Added, result.Impact.AddedSteps},
		{"removed", assertion.Removed, result.Impact.RemovedSteps},
		{"changed", assertion.Changed, result.Impact.ChangedSteps},
	}
	for _, c := range checks {
		if c.expected == nil {
			continue
		}
		if !slices.Equal(sortedCopy(c.expected), c.actual) {
			return &AssertionError{
				Type:     AssertImpact,
				Expected: fmt.Sprintf("%s steps %v", c.name, c.expected),
				Actual:   fmt.Sprintf("%s steps %v", c.name, c.actual),
				Steps:    stepIDs(result),
			}
		}
	}
	return nil
}

func sortedCopy(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return out
}

// assertIssue checks that a validation issue with the code was reported.
func assertIssue(result *Result, assertion Assertion) error {
	codes := make([]string, len(result.Issues))
	for i, issue := range result.Issues {
		if issue.Code == assertion.Code {
			return nil
		}
		codes[i] = issue.Code
	}
	return &AssertionError{
		Type:     AssertIssue,
		Expected: fmt.Sprintf("issue %s", assertion.Code),
		Actual:   fmt.Sprintf("issues %v", codes),
	}
}

// assertDriftCount checks how many polls of a source detected drift.
func assertDriftCount(result *Result, assertion Assertion) error {
	actual := len(result.Drifts(assertion.Source))
	if actual == assertion.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertDriftCount,
		Expected: fmt.Sprintf("%s drifted %d times", assertion.Source, assertion.Count),
		Actual:   fmt.Sprintf("%s drifted %d times", assertion.Source, actual),
		Trace:    result.Trace,
	}
}

// assertSeverity checks the severity of the last drift of a source.
func assertSeverity(result *Result, assertion Assertion) error {
	drifts := result.Drifts(assertion.Source)
	actual := "no drift"
	if len(drifts) > 0 {
		actual = drifts[len(drifts)-1].Severity
		if actual == assertion.Severity {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertSeverity,
		Expected: fmt.Sprintf("last drift of %s is %s", assertion.Source, assertion.Severity),
		Actual:   actual,
		Trace:    result.Trace,
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertStepPresent:
			err = assertStepPresence(result, assertion, true)
		case AssertStepAbsent:
			err = assertStepPresence(result, assertion, false)
		case AssertStepOrder:
			err = assertStepOrder(result, assertion)
		case AssertImpact:
			err = assertImpact(result, assertion)
		case AssertIssue:
			err = assertIssue(result, assertion)
		case AssertDriftCount:
			err = assertDriftCount(result, assertion)
		case AssertSeverity:
			err = assertSeverity(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
