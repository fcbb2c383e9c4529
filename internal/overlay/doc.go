// Package overlay materializes workflows from a base graph and an ordered
// list of overlay patches, and loads distributable overlay packs.
//
// Materialization is fail-closed. A patch that cannot be applied, a required
// base step that disappears, or any validation issue in the merged graph
// aborts the merge. Warnings are advisory only.
//
// Pack signatures are a separate trust gate: VerifySignature reports a
// boolean and never aborts a merge by itself.
package overlay
