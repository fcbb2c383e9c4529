// Package validator checks materialized workflow graphs.
//
// Validation runs three independent passes and collects every issue rather
// than stopping at the first:
//
//   - integrity: step ids are present and unique, and every requires entry
//     and edge endpoint names an existing step
//   - secret binding: every secret is an object with a non-empty string alias
//     and never a literal value
//   - execution metadata: execution modes are known, external steps reference
//     endpoints and credentials only through aliases, and raw url/token fields
//     are absent
//
// Pack merges add a fourth check, ValidateSchemaRefs, for input schemas that
// must ship inside the pack.
package validator
