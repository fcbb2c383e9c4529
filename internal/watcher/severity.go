package watcher

import "github.com/roach88/complyflow/internal/sourcediff"

// Severity classifies drift for reviewers.
type Severity string

const (
	SeverityMajor Severity = "major"
	SeverityMinor Severity = "minor"
	SeverityPatch Severity = "patch"
)

// SeverityFunc classifies a diff.
type SeverityFunc func(d sourcediff.Diff) Severity

// Thresholds used by DefaultSeverity.
const (
	MajorChangeThreshold = 5
	MinorAddedThreshold  = 5
)

// DefaultSeverity is major when records were removed or at least five
// changed, minor when any changed or at least five were added, and patch
// otherwise.
func DefaultSeverity(d sourcediff.Diff) Severity {
	return ThresholdSeverity(MajorChangeThreshold, MinorAddedThreshold)(d)
}

// ThresholdSeverity builds a SeverityFunc with custom thresholds.
func ThresholdSeverity(majorChanged, minorAdded int) SeverityFunc {
	return func(d sourcediff.Diff) Severity {
		switch {
		case len(d.Removed) > 0 || len(d.Changed) >= majorChanged:
			return SeverityMajor
		case len(d.Changed) > 0 || len(d.Added) >= minorAdded:
			return SeverityMinor
		default:
			return SeverityPatch
		}
	}
}
