// Package workflow defines the workflow graph that overlays patch and the
// materialization engine validates.
//
// This package imports only internal/canonical. The graph is a plain value:
// every operation that changes it (patching, normalization) works on a copy,
// and a Graph returned by the overlay engine is never mutated afterwards.
//
// Key design constraints:
//   - All JSON tags match the authored workflow documents (camelCase, with
//     input_schema kept as authored)
//   - Unknown step and graph fields survive a decode/encode round trip
//   - Secret bindings keep their raw JSON so validation sees exactly what
//     was authored
//   - metadata.secrets is folded into Step.Secrets at decode time; only
//     entries that cannot be folded stay behind, for validation to reject
package workflow
