package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario.
// A scenario materializes one workflow, replays a sequence of source polls
// and asserts on the merged graph and the drift trace.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Base is the path of the base workflow graph (.json, .jsonc, .yaml).
	Base string `yaml:"base"`

	// Overlays are overlay files applied to Base in order.
	Overlays []string `yaml:"overlays,omitempty"`

	// Pack is an overlay pack directory. Exclusive with Overlays.
	Pack string `yaml:"pack,omitempty"`

	// Expect is the expected materialization outcome. Defaults to "ok".
	Expect string `yaml:"expect,omitempty"`

	// Tenant owns the polled sources. Defaults to DefaultTenant.
	Tenant string `yaml:"tenant,omitempty"`

	// Polls are replayed through the watcher after materialization.
	Polls []PollStep `yaml:"polls,omitempty"`

	// Assertions validate the merged workflow and the poll trace.
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultTenant is used when a scenario names no tenant.
const DefaultTenant = "tenant-test"

// PollStep feeds one set of records for a source to the watcher.
type PollStep struct {
	// Source is the source key being polled.
	Source string `yaml:"source"`

	// Records is the path of a JSON or YAML array of records.
	Records string `yaml:"records"`
}

// Assertion validates the merged workflow or the poll trace.
type Assertion struct {
	// Type specifies the assertion type:
	// - "step_present": Step is in the merged workflow
	// - "step_absent": Step is not in the merged workflow
	// - "step_order": Steps appear in this relative order
	// - "impact": Added, Removed and Changed match the impact map
	// - "issue": a validation issue with Code was reported
	// - "drift_count": Source drifted exactly Count times
	// - "severity": the last drift of Source had Severity
	Type string `yaml:"type"`

	// Step is the step id (used by step_present, step_absent).
	Step string `yaml:"step,omitempty"`

	// Steps is the expected step order (used by step_order).
	Steps []string `yaml:"steps,omitempty"`

	// Added, Removed and Changed are the expected impact lists (used by
	// impact). A nil list is not checked; an empty list must be empty.
	Added   []string `yaml:"added,omitempty"`
	Removed []string `yaml:"removed,omitempty"`
	Changed []string `yaml:"changed,omitempty"`

	// Code is the validation issue code (used by issue).
	Code string `yaml:"code,omitempty"`

	// Source is the polled source key (used by drift_count, severity).
	Source string `yaml:"source,omitempty"`

	// Count is the expected number of drifts (used by drift_count).
	Count int `yaml:"count,omitempty"`

	// Severity is the expected severity (used by severity).
	Severity string `yaml:"severity,omitempty"`
}

// Assertion type constants.
const (
	AssertStepPresent = "step_present"
	AssertStepAbsent  = "step_absent"
	AssertStepOrder   = "step_order"
	AssertImpact      = "impact"
	AssertIssue       = "issue"
	AssertDriftCount  = "drift_count"
	AssertSeverity    = "severity"
)

// LoadScenario reads and parses a scenario YAML file. Relative paths are
// resolved against the directory holding the scenario file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving relative paths against basePath instead.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Resolve paths BEFORE validation so existence checks see real paths
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) || basePath == "" {
			return p
		}
		return filepath.Join(basePath, p)
	}
	scenario.Base = resolve(scenario.Base)
	scenario.Pack = resolve(scenario.Pack)
	for i := range scenario.Overlays {
		scenario.Overlays[i] = resolve(scenario.Overlays[i])
	}
	for i := range scenario.Polls {
		scenario.Polls[i].Records = resolve(scenario.Polls[i].Records)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validOutcomes lists the accepted values of Scenario.Expect.
var validOutcomes = map[string]bool{
	OutcomeOK:                  true,
	OutcomePatchFailed:         true,
	OutcomeRequiredStepMissing: true,
	OutcomeGraphInvalid:        true,
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Base == "" {
		return fmt.Errorf("base is required")
	}

	if s.Pack != "" && len(s.Overlays) > 0 {
		return fmt.Errorf("overlays and pack are mutually exclusive")
	}

	if s.Expect != "" && !validOutcomes[s.Expect] {
		return fmt.Errorf("unknown expected outcome %q", s.Expect)
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	paths := append([]string{s.Base}, s.Overlays...)
	if s.Pack != "" {
		paths = append(paths, s.Pack)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("file not found: %s", p)
		}
	}

	for i, step := range s.Polls {
		if step.Source == "" {
			return fmt.Errorf("polls[%d]: source is required", i)
		}
		if step.Records == "" {
			return fmt.Errorf("polls[%d]: records is required", i)
		}
		if _, err := os.Stat(step.Records); os.IsNotExist(err) {
			return fmt.Errorf("polls[%d]: records file not found: %s", i, step.Records)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertStepPresent, AssertStepAbsent:
		if a.Step == "" {
			return fmt.Errorf("assertions[%d]: step is required for %s", index, a.Type)
		}
	case AssertStepOrder:
		if len(a.Steps) == 0 {
			return fmt.Errorf("assertions[%d]: steps list is required for step_order", index)
		}
	case AssertImpact:
		if a.Added == nil && a.Removed == nil && a.Changed == nil {
			return fmt.Errorf("assertions[%d]: impact needs at least one of added, removed, changed", index)
		}
	case AssertIssue:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for issue", index)
		}
	case AssertDriftCount:
		if a.Source == "" {
			return fmt.Errorf("assertions[%d]: source is required for drift_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for drift_count", index)
		}
	case AssertSeverity:
		if a.Source == "" || a.Severity == "" {
			return fmt.Errorf("assertions[%d]: source and severity are required for severity", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
