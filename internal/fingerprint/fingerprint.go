// Package fingerprint computes the content hashes that pin lockfile entries
// and detect drift in external sources.
//
// Two hash shapes exist:
//   - Fingerprint: order-insensitive hash of a record collection. Upstream
//     registries return records in unstable order, so records are
//     canonicalized individually and sorted before hashing.
//   - Checksum: domain-separated hash of a single canonical value, used for
//     workflow, overlay, rule and template versions.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/complyflow/internal/canonical"
)

// Domain prefixes for lockfile checksums.
// Version suffix enables future algorithm migration.
const (
	DomainWorkflow = "complyflow/workflow/v1"
	DomainOverlay  = "complyflow/overlay/v1"
	DomainRule     = "complyflow/rule/v1"
	DomainTemplate = "complyflow/template/v1"
)

// recordSeparator joins canonical records before hashing.
const recordSeparator = "\n"

// Record is one external fact as returned by a source registry.
type Record = map[string]any

// Fingerprint returns the hex SHA-256 of the sorted canonical forms of
// records. The result does not depend on record order.
func Fingerprint(records []Record) (string, error) {
	encoded := make([]string, len(records))
	for i, rec := range records {
		s, err := canonical.String(rec)
		if err != nil {
			return "", fmt.Errorf("fingerprint: record[%d]: %w", i, err)
		}
		encoded[i] = s
	}
	slices.Sort(encoded)

	sum := sha256.Sum256([]byte(strings.Join(encoded, recordSeparator)))
	return hex.EncodeToString(sum[:]), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFingerprint(records []Record) string {
	fp, err := Fingerprint(records)
	if err != nil {
		panic(err)
	}
	return fp
}

// Checksum computes the domain-separated hash of v's canonical form.
// Format: SHA256(domain + 0x00 + canonical(v))
func Checksum(domain string, v any) (string, error) {
	data, err := canonical.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("checksum %s: %w", domain, err)
	}
	return hashWithDomain(domain, data), nil
}

// hashWithDomain computes SHA-256 hash with domain separation.
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
