// Package harness provides scenario-driven conformance tests for workflow
// materialization and source drift detection.
//
// The harness loads a base graph, merges overlays or an overlay pack into
// it, replays a sequence of source polls through the watcher and checks
// the outcome against assertions and golden snapshots.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	base: graphs/annual-filing.yaml
//	overlays:
//	  - overlays/review.jsonc
//	expect: ok
//	polls:
//	  - source: companies-house
//	    records: records/companies-v1.json
//	assertions:
//	  - type: step_order
//	    steps: [board-minutes, file, review]
//	  - type: impact
//	    added: [review]
//	  - type: drift_count
//	    source: companies-house
//	    count: 1
//
// Paths are relative to the scenario file. A scenario names either
// overlays or a pack directory, never both.
//
// # Outcomes
//
// The expect field names the materialization outcome:
//
//   - ok: the merged workflow validated
//   - patch_failed: an overlay operation could not be applied
//   - required_step_missing: an overlay removed a required base step
//   - graph_invalid: the merged graph has validation issues
//
// # Assertion Types
//
//   - step_present / step_absent: a step id is (not) in the merged workflow
//   - step_order: step ids appear in the given relative order
//   - impact: added, removed and changed step lists match exactly
//   - issue: a validation issue with the given code was reported
//   - drift_count: the number of polls of a source that drifted
//   - severity: severity of the last drift of a source
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory SQLite store, a stepping clock
// (testutil.StepClock) and sequential ids (testutil.SequentialIDs), so
// repeated runs produce identical results for golden comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/tenant-review.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
