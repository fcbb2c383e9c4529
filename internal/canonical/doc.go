// Package canonical provides the deterministic JSON serialization used by
// every checksum and fingerprint in complyflow.
//
// This package imports nothing internal. Two values that differ only in
// object key insertion order always serialize to identical bytes, which is
// what makes lockfiles reproducible and drift detection stable.
//
// Serialization rules (RFC 8785 flavoured):
//   - Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//   - No HTML escaping (< > & are emitted literally)
//   - Strings NFC normalized at the serialization boundary
//   - Arrays keep their order
//   - Integers in base 10, other numbers in shortest round-trip form
//   - NaN and Inf are rejected
package canonical
