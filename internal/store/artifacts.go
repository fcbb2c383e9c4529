package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/complyflow/internal/lockfile"
	"github.com/roach88/complyflow/internal/patch"
	"github.com/roach88/complyflow/internal/watcher"
	"github.com/roach88/complyflow/internal/workflow"
)

var (
	_ lockfile.DataSource   = (*Store)(nil)
	_ watcher.WorkflowIndex = (*Store)(nil)
)

// PutDefinition stores a workflow definition version.
// Uses ON CONFLICT DO NOTHING: versions are immutable, so writing an
// existing key@version again is silently ignored.
func (s *Store) PutDefinition(ctx context.Context, d *lockfile.DefinitionVersion) error {
	if d.Graph == nil {
		return fmt.Errorf("put definition %s@%s: no graph", d.Key, d.Version)
	}
	def, err := marshalCanonical("definition", d.Graph)
	if err != nil {
		return fmt.Errorf("put definition %s@%s: %w", d.Key, d.Version, err)
	}
	rules, err := marshalCanonical("rules", selectorsOrEmpty(d.Rules))
	if err != nil {
		return fmt.Errorf("put definition %s@%s: %w", d.Key, d.Version, err)
	}
	templates, err := marshalCanonical("templates", selectorsOrEmpty(d.Templates))
	if err != nil {
		return fmt.Errorf("put definition %s@%s: %w", d.Key, d.Version, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions
		(key, version, checksum, definition, rules, templates, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key, version) DO NOTHING
	`, d.Key, d.Version, d.Checksum, def, rules, templates, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("put definition %s@%s: %w", d.Key, d.Version, err)
	}
	return nil
}

// PutOverlay stores an overlay version. Existing versions are left as is.
func (s *Store) PutOverlay(ctx context.Context, o *lockfile.OverlayVersion) error {
	body, err := marshalCanonical("patch", o.Patch)
	if err != nil {
		return fmt.Errorf("put overlay %s@%s: %w", o.ID, o.Version, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO overlay_versions (id, version, checksum, patch, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO NOTHING
	`, o.ID, o.Version, o.Checksum, body, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("put overlay %s@%s: %w", o.ID, o.Version, err)
	}
	return nil
}

// PutRule stores a rule version with its source bindings. Existing
// versions are left as is.
func (s *Store) PutRule(ctx context.Context, r *lockfile.RuleVersion) error {
	body, err := marshalCanonical("body", r.Body)
	if err != nil {
		return fmt.Errorf("put rule %s@%s: %w", r.ID, r.Version, err)
	}
	sources := r.Sources
	if sources == nil {
		sources = []lockfile.SourceBinding{}
	}
	srcJSON, err := marshalCanonical("sources", sources)
	if err != nil {
		return fmt.Errorf("put rule %s@%s: %w", r.ID, r.Version, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rule_versions (id, version, checksum, body, sources, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO NOTHING
	`, r.ID, r.Version, r.Checksum, body, srcJSON, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("put rule %s@%s: %w", r.ID, r.Version, err)
	}
	return nil
}

// PutTemplate stores a template version. Existing versions are left as is.
func (s *Store) PutTemplate(ctx context.Context, t *lockfile.TemplateVersion) error {
	body, err := marshalCanonical("body", t.Body)
	if err != nil {
		return fmt.Errorf("put template %s@%s: %w", t.ID, t.Version, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO template_versions (id, version, checksum, body, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO NOTHING
	`, t.ID, t.Version, t.Checksum, body, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("put template %s@%s: %w", t.ID, t.Version, err)
	}
	return nil
}

// WorkflowDefinitionVersion implements lockfile.DataSource.
func (s *Store) WorkflowDefinitionVersion(ctx context.Context, key, version string) (*lockfile.DefinitionVersion, error) {
	var def, rules, templates string
	d := &lockfile.DefinitionVersion{Key: key, Version: version}
	err := s.db.QueryRowContext(ctx, `
		SELECT checksum, definition, rules, templates
		FROM workflow_definitions
		WHERE key = ? AND version = ?
	`, key, version).Scan(&d.Checksum, &def, &rules, &templates)
	if err != nil {
		return nil, notFound("workflow definition", key, version, err)
	}

	g, err := workflow.DecodeGraph([]byte(def))
	if err != nil {
		return nil, fmt.Errorf("workflow definition %s@%s: %w", key, version, err)
	}
	d.Graph = g
	if err := unmarshalJSON("rules", rules, &d.Rules); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("templates", templates, &d.Templates); err != nil {
		return nil, err
	}
	return d, nil
}

// OverlayVersion implements lockfile.DataSource.
func (s *Store) OverlayVersion(ctx context.Context, ref lockfile.OverlayRef) (*lockfile.OverlayVersion, error) {
	var body string
	o := &lockfile.OverlayVersion{ID: ref.ID, Version: ref.Version}
	err := s.db.QueryRowContext(ctx, `
		SELECT checksum, patch FROM overlay_versions WHERE id = ? AND version = ?
	`, ref.ID, ref.Version).Scan(&o.Checksum, &body)
	if err != nil {
		return nil, notFound("overlay", ref.ID, ref.Version, err)
	}
	var p patch.OverlayPatch
	if err := unmarshalJSON("patch", body, &p); err != nil {
		return nil, fmt.Errorf("overlay %s: %w", ref, err)
	}
	o.Patch = p
	return o, nil
}

// RuleVersion implements lockfile.DataSource. Range selectors resolve to
// the highest stored version in range.
func (s *Store) RuleVersion(ctx context.Context, ruleID string, sel lockfile.Selector) (*lockfile.RuleVersion, error) {
	version, err := s.selectVersion(ctx, "rule_versions", ruleID, sel)
	if err != nil {
		return nil, err
	}

	var body, sources string
	r := &lockfile.RuleVersion{ID: ruleID, Version: version}
	err = s.db.QueryRowContext(ctx, `
		SELECT checksum, body, sources FROM rule_versions WHERE id = ? AND version = ?
	`, ruleID, version).Scan(&r.Checksum, &body, &sources)
	if err != nil {
		return nil, notFound("rule", ruleID, version, err)
	}
	if err := unmarshalJSON("body", body, &r.Body); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("sources", sources, &r.Sources); err != nil {
		return nil, err
	}
	return r, nil
}

// TemplateVersion implements lockfile.DataSource. Range selectors resolve
// to the highest stored version in range.
func (s *Store) TemplateVersion(ctx context.Context, templateID string, sel lockfile.Selector) (*lockfile.TemplateVersion, error) {
	version, err := s.selectVersion(ctx, "template_versions", templateID, sel)
	if err != nil {
		return nil, err
	}

	var body string
	t := &lockfile.TemplateVersion{ID: templateID, Version: version}
	err = s.db.QueryRowContext(ctx, `
		SELECT checksum, body FROM template_versions WHERE id = ? AND version = ?
	`, templateID, version).Scan(&t.Checksum, &body)
	if err != nil {
		return nil, notFound("template", templateID, version, err)
	}
	if err := unmarshalJSON("body", body, &t.Body); err != nil {
		return nil, err
	}
	return t, nil
}

// selectVersion turns a selector into a concrete stored version. table is
// one of the fixed catalog table names, never user input.
func (s *Store) selectVersion(ctx context.Context, table, id string, sel lockfile.Selector) (string, error) {
	if !sel.IsRange() {
		return sel.Version, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT version FROM "+table+" WHERE id = ?", id)
	if err != nil {
		return "", fmt.Errorf("query %s versions: %w", id, err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return "", fmt.Errorf("scan %s version: %w", id, err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate %s versions: %w", id, err)
	}

	best, ok, err := lockfile.ResolveRange(sel.Range, versions)
	if err != nil {
		return "", fmt.Errorf("select %s: %w", id, err)
	}
	if !ok {
		return "", fmt.Errorf("%s %s: %w", id, sel, lockfile.ErrNotFound)
	}
	return best, nil
}

// WorkflowsForSource lists the workflow keys with a rule binding that
// depends on sourceKey through any stored rule version. The catalog is
// shared by all tenants, so tenantID does not narrow the result.
func (s *Store) WorkflowsForSource(ctx context.Context, _, sourceKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT d.key
		FROM workflow_definitions d
		JOIN json_each(d.rules) r
		JOIN rule_versions rv ON rv.id = r.key
		JOIN json_each(rv.sources) src
		WHERE json_extract(src.value, '$.sourceKey') = ?
		ORDER BY d.key COLLATE BINARY ASC
	`, sourceKey)
	if err != nil {
		return nil, fmt.Errorf("query workflows for %s: %w", sourceKey, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan workflow key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow keys: %w", err)
	}
	return keys, nil
}

func notFound(kind, id, version string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s@%s: %w", kind, id, version, lockfile.ErrNotFound)
	}
	return fmt.Errorf("read %s %s@%s: %w", kind, id, version, err)
}

func selectorsOrEmpty(m map[string]lockfile.Selector) map[string]lockfile.Selector {
	if m == nil {
		return map[string]lockfile.Selector{}
	}
	return m
}
