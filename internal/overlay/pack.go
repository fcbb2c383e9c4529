package overlay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/roach88/complyflow/internal/patch"
)

// Manifest file names, tried in order.
var manifestNames = []string{"pack.yaml", "pack.yml", "pack.json", "pack.cue"}

// Manifest describes a distributable overlay pack.
type Manifest struct {
	Name        string   `json:"name" yaml:"name"`
	Version     string   `json:"version" yaml:"version"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Overlays    []string `json:"overlays" yaml:"overlays"`
	Schemas     []string `json:"schemas,omitempty" yaml:"schemas,omitempty"`
}

// Pack is a loaded pack: its manifest plus the decoded overlays in manifest
// order.
type Pack struct {
	Dir      string
	Manifest Manifest
	Overlays []patch.OverlayPatch
}

// LoadPack reads the manifest in dir and every overlay it lists.
// Overlay files may be .json, .jsonc, .yaml or .yml.
func LoadPack(dir string) (*Pack, error) {
	manifest, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(manifest.Name) == "" {
		return nil, fmt.Errorf("load pack %s: manifest name is required", dir)
	}

	pack := &Pack{Dir: dir, Manifest: *manifest}
	for _, rel := range manifest.Overlays {
		o, err := LoadOverlayFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("load pack %s: %w", manifest.Name, err)
		}
		if o.Source == "" {
			o.Source = manifest.Name + "/" + rel
		}
		pack.Overlays = append(pack.Overlays, *o)
	}
	return pack, nil
}

func loadManifest(dir string) (*Manifest, error) {
	for _, name := range manifestNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}

		var m Manifest
		switch filepath.Ext(name) {
		case ".yaml", ".yml":
			dec := yaml.NewDecoder(bytes.NewReader(data))
			dec.KnownFields(true)
			if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case ".json":
			dec := json.NewDecoder(bytes.NewReader(data))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&m); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case ".cue":
			if err := decodeCUEManifest(path, data, &m); err != nil {
				return nil, err
			}
		}
		return &m, nil
	}
	return nil, fmt.Errorf("no pack manifest in %s (looked for %s)", dir, strings.Join(manifestNames, ", "))
}

// decodeCUEManifest evaluates a CUE manifest. The manifest may be the whole
// file or nested under a top-level "pack" field.
func decodeCUEManifest(path string, data []byte, m *Manifest) error {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return fmt.Errorf("parse %s: %s", path, cueerrors.Details(err, nil))
	}
	if nested := v.LookupPath(cue.ParsePath("pack")); nested.Exists() {
		v = nested
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("parse %s: %s", path, cueerrors.Details(err, nil))
	}
	if err := v.Decode(m); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// LoadOverlayFile reads one overlay. The file holds either an object with
// "source" and "operations" or a bare array of operations.
func LoadOverlayFile(path string) (*patch.OverlayPatch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overlay: %w", err)
	}

	data, err = DocumentJSON(path, data)
	if err != nil {
		return nil, fmt.Errorf("parse overlay %s: %w", path, err)
	}

	o, err := DecodeOverlay(data)
	if err != nil {
		return nil, fmt.Errorf("parse overlay %s: %w", path, err)
	}
	return o, nil
}

// DecodeOverlay decodes a JSON overlay document.
func DecodeOverlay(data []byte) (*patch.OverlayPatch, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var ops []patch.Operation
		if err := json.Unmarshal(trimmed, &ops); err != nil {
			return nil, err
		}
		return &patch.OverlayPatch{Operations: ops}, nil
	}

	var o patch.OverlayPatch
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&o); err != nil {
		return nil, err
	}
	return &o, nil
}

// DocumentJSON converts the contents of a .json, .jsonc, .yaml or .yml file
// to JSON, choosing the syntax by path's extension.
func DocumentJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return data, nil
	case ".jsonc":
		return jsonc.ToJSON(data), nil
	case ".yaml", ".yml":
		return yamlToJSON(data)
	default:
		return nil, fmt.Errorf("unsupported extension %q", filepath.Ext(path))
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
