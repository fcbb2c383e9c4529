package lockfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/complyflow/internal/fingerprint"
	"github.com/roach88/complyflow/internal/overlay"
	"github.com/roach88/complyflow/internal/patch"
)

// DataSource looks up stored artifact versions. Missing versions are
// reported as ErrNotFound (wrapped or not) or as a nil record with a nil
// error. Implementations own timeout and retry policy.
type DataSource interface {
	WorkflowDefinitionVersion(ctx context.Context, key, version string) (*DefinitionVersion, error)
	OverlayVersion(ctx context.Context, ref OverlayRef) (*OverlayVersion, error)
	RuleVersion(ctx context.Context, ruleID string, sel Selector) (*RuleVersion, error)
	TemplateVersion(ctx context.Context, templateID string, sel Selector) (*TemplateVersion, error)
}

// DefaultConcurrency bounds parallel lookups against the data source.
const DefaultConcurrency = 8

// Resolver builds materialized runs from stored artifacts.
type Resolver struct {
	source      DataSource
	concurrency int
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithConcurrency bounds the number of lookups in flight. n <= 0 means
// unbounded.
func WithConcurrency(n int) ResolverOption {
	return func(r *Resolver) {
		r.concurrency = n
	}
}

// NewResolver creates a Resolver reading from source.
func NewResolver(source DataSource, opts ...ResolverOption) *Resolver {
	r := &Resolver{source: source, concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// MaterializeRun resolves the workflow definition key@version, the given
// overlays and every rule and template the definition binds, materializes
// the workflow and returns it with a lockfile pinning all of them.
//
// Independent lookups run concurrently; overlays are still applied in the
// order given. Any missing artifact fails the whole run with a
// *NotFoundError, so a lockfile is never partial. Merge failures pass
// through from overlay.Materialize.
func (r *Resolver) MaterializeRun(ctx context.Context, key, version string, overlayRefs []OverlayRef) (*MaterializedRun, error) {
	var (
		def      *DefinitionVersion
		overlays = make([]*OverlayVersion, len(overlayRefs))
	)

	g, gctx := r.group(ctx)
	g.Go(func() error {
		d, err := r.source.WorkflowDefinitionVersion(gctx, key, version)
		if err := lookupErr(d == nil, err, KindWorkflow, key, version); err != nil {
			return err
		}
		if d.Graph == nil {
			return fmt.Errorf("workflow %s@%s has no definition", key, version)
		}
		def = d
		return nil
	})
	for i, ref := range overlayRefs {
		g.Go(func() error {
			o, err := r.source.OverlayVersion(gctx, ref)
			if err := lookupErr(o == nil, err, KindOverlay, ref.ID, ref.Version); err != nil {
				return err
			}
			overlays[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ruleIDs := sortedKeys(def.Rules)
	templateIDs := sortedKeys(def.Templates)
	rules := make([]*RuleVersion, len(ruleIDs))
	templates := make([]*TemplateVersion, len(templateIDs))

	g, gctx = r.group(ctx)
	for i, id := range ruleIDs {
		sel := def.Rules[id]
		g.Go(func() error {
			rv, err := r.source.RuleVersion(gctx, id, sel)
			if err := lookupErr(rv == nil, err, KindRule, id, sel.String()); err != nil {
				return err
			}
			if rv.ID == "" {
				rv.ID = id
			}
			rules[i] = rv
			return nil
		})
	}
	for i, id := range templateIDs {
		sel := def.Templates[id]
		g.Go(func() error {
			tv, err := r.source.TemplateVersion(gctx, id, sel)
			if err := lookupErr(tv == nil, err, KindTemplate, id, sel.String()); err != nil {
				return err
			}
			if tv.ID == "" {
				tv.ID = id
			}
			templates[i] = tv
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	patches := make([]patch.OverlayPatch, len(overlays))
	for i, o := range overlays {
		patches[i] = o.Patch
		if patches[i].Source == "" {
			patches[i].Source = overlayRefs[i].String()
		}
	}
	merged, err := overlay.Materialize(def.Graph, patches)
	if err != nil {
		return nil, fmt.Errorf("materialize %s@%s: %w", key, version, err)
	}

	lock, err := buildLockfile(def, overlays, rules, templates)
	if err != nil {
		return nil, fmt.Errorf("build lockfile %s@%s: %w", key, version, err)
	}

	slog.Info("run materialized",
		"workflow", key,
		"version", def.Version,
		"overlays", len(overlays),
		"rules", len(rules),
		"templates", len(templates))

	return &MaterializedRun{
		Workflow: merged.Workflow,
		Lockfile: lock,
		Impact:   merged.Impact,
		Warnings: merged.Warnings,
	}, nil
}

func (r *Resolver) group(ctx context.Context) (*errgroup.Group, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}
	return g, gctx
}

// lookupErr converts a data source miss into a *NotFoundError.
func lookupErr(missing bool, err error, kind, id, version string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return &NotFoundError{Kind: kind, ID: id, Version: version}
	case err != nil:
		return fmt.Errorf("resolve %s %s@%s: %w", kind, id, version, err)
	case missing:
		return &NotFoundError{Kind: kind, ID: id, Version: version}
	}
	return nil
}

func buildLockfile(def *DefinitionVersion, overlays []*OverlayVersion, rules []*RuleVersion, templates []*TemplateVersion) (*Lockfile, error) {
	defSum, err := checksum(fingerprint.DomainWorkflow, def.Checksum, def.Graph)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", def.Key, err)
	}

	lock := &Lockfile{
		WorkflowDef: ArtifactRef{ID: def.Key, Version: def.Version, Checksum: defSum},
		Overlays:    make([]ArtifactRef, 0, len(overlays)),
		Rules:       make(map[string]RulePin, len(rules)),
		Templates:   make(map[string]ArtifactRef, len(templates)),
	}

	for _, o := range overlays {
		sum, err := checksum(fingerprint.DomainOverlay, o.Checksum, o.Patch)
		if err != nil {
			return nil, fmt.Errorf("overlay %s: %w", o.ID, err)
		}
		lock.Overlays = append(lock.Overlays, ArtifactRef{ID: o.ID, Version: o.Version, Checksum: sum})
	}

	for _, rv := range rules {
		content := *rv
		content.Checksum = ""
		sum, err := checksum(fingerprint.DomainRule, rv.Checksum, content)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rv.ID, err)
		}

		sources := make([]SourcePin, 0, len(rv.Sources))
		for _, src := range rv.Sources {
			fp, err := fingerprint.Fingerprint(src.Records)
			if err != nil {
				return nil, fmt.Errorf("rule %s source %s: %w", rv.ID, src.SourceKey, err)
			}
			sources = append(sources, SourcePin{
				SourceKey:   src.SourceKey,
				SnapshotID:  src.SnapshotID,
				Fingerprint: fp,
			})
		}
		lock.Rules[rv.ID] = RulePin{ID: rv.ID, Version: rv.Version, Checksum: sum, Sources: sources}
	}

	for _, tv := range templates {
		content := *tv
		content.Checksum = ""
		sum, err := checksum(fingerprint.DomainTemplate, tv.Checksum, content)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", tv.ID, err)
		}
		lock.Templates[tv.ID] = ArtifactRef{ID: tv.ID, Version: tv.Version, Checksum: sum}
	}

	return lock, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
