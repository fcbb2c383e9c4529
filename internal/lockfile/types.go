package lockfile

import (
	"fmt"

	"github.com/roach88/complyflow/internal/canonical"
	"github.com/roach88/complyflow/internal/fingerprint"
	"github.com/roach88/complyflow/internal/overlay"
	"github.com/roach88/complyflow/internal/patch"
	"github.com/roach88/complyflow/internal/workflow"
)

// ArtifactRef pins one artifact to an exact, checksummed version.
type ArtifactRef struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
}

// SourcePin records the fingerprint of a rule source's records at build
// time. It is the reference value verification compares against.
type SourcePin struct {
	SourceKey   string `json:"sourceKey"`
	SnapshotID  string `json:"snapshotId,omitempty"`
	Fingerprint string `json:"fingerprint"`
}

// RulePin pins a rule version together with its sources.
type RulePin struct {
	ID       string      `json:"id"`
	Version  string      `json:"version"`
	Checksum string      `json:"checksum"`
	Sources  []SourcePin `json:"sources"`
}

// Lockfile is the pinned, checksummed record of every artifact used to
// materialize one run. Rules and templates are keyed by id; JSON encoding
// sorts map keys, so equal inputs produce byte-identical lockfiles.
type Lockfile struct {
	WorkflowDef ArtifactRef            `json:"workflowDef"`
	Overlays    []ArtifactRef          `json:"overlays"`
	Rules       map[string]RulePin     `json:"rules"`
	Templates   map[string]ArtifactRef `json:"templates"`
}

// Encode returns the canonical JSON form of the lockfile.
func (l *Lockfile) Encode() ([]byte, error) {
	return canonical.Marshal(l)
}

// MaterializedRun is a validated workflow together with the lockfile that
// pins everything it was built from.
type MaterializedRun struct {
	Workflow *workflow.Graph   `json:"workflow"`
	Lockfile *Lockfile         `json:"lockfile"`
	Impact   overlay.ImpactMap `json:"impact"`
	Warnings []string          `json:"warnings"`
}

// OverlayRef names an overlay version to apply.
type OverlayRef struct {
	ID      string `json:"id" yaml:"id"`
	Version string `json:"version" yaml:"version"`
}

func (r OverlayRef) String() string {
	return r.ID + "@" + r.Version
}

// DefinitionVersion is a stored workflow definition with its rule and
// template bindings.
type DefinitionVersion struct {
	Key       string              `json:"key"`
	Version   string              `json:"version"`
	Checksum  string              `json:"checksum,omitempty"`
	Graph     *workflow.Graph     `json:"definition"`
	Rules     map[string]Selector `json:"rules,omitempty"`
	Templates map[string]Selector `json:"templates,omitempty"`
}

// OverlayVersion is a stored overlay.
type OverlayVersion struct {
	ID       string             `json:"id"`
	Version  string             `json:"version"`
	Checksum string             `json:"checksum,omitempty"`
	Patch    patch.OverlayPatch `json:"patch"`
}

// SourceBinding is a rule's declared dependency on an external source,
// with the records that were true when the rule version was bound.
type SourceBinding struct {
	SourceKey  string               `json:"sourceKey"`
	SnapshotID string               `json:"snapshotId,omitempty"`
	Records    []fingerprint.Record `json:"records"`
}

// RuleVersion is a stored rule.
type RuleVersion struct {
	ID       string          `json:"id"`
	Version  string          `json:"version"`
	Checksum string          `json:"checksum,omitempty"`
	Body     any             `json:"body,omitempty"`
	Sources  []SourceBinding `json:"sources"`
}

// TemplateVersion is a stored template.
type TemplateVersion struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Checksum string `json:"checksum,omitempty"`
	Body     any    `json:"body,omitempty"`
}

// checksum returns supplied when the data source provided one, otherwise
// the domain-separated checksum of content.
func checksum(domain, supplied string, content any) (string, error) {
	if supplied != "" {
		return supplied, nil
	}
	sum, err := fingerprint.Checksum(domain, content)
	if err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	return sum, nil
}
