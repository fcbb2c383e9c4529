package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/complyflow/internal/canonical"
)

var (
	graphKnownFields = []string{"id", "version", "steps", "edges", "metadata"}
	stepKnownFields  = []string{"id", "title", "kind", "required", "stepType", "requires", "secrets", "execution", "metadata"}
)

// graphJSON and stepJSON drop the methods so encoding/json can be reused
// for the known fields without recursion.
type (
	graphJSON Graph
	stepJSON  Step
)

// DecodeGraph parses a workflow document and normalizes it.
func DecodeGraph(data []byte) (*Graph, error) {
	var g Graph
	if err := decodeNumbers(data, &g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	if err := g.Normalize(); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	return &g, nil
}

// FromDocument converts a generic JSON document (as produced by patching)
// back into a Graph.
func FromDocument(doc any) (*Graph, error) {
	data, err := canonical.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return DecodeGraph(data)
}

// Document returns the generic JSON form of the graph, the shape structural
// patches operate on.
func (g *Graph) Document() (any, error) {
	return canonical.ToValue(g)
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() (*Graph, error) {
	doc, err := g.Document()
	if err != nil {
		return nil, fmt.Errorf("clone graph: %w", err)
	}
	return FromDocument(doc)
}

// UnmarshalJSON implements json.Unmarshaler for Graph.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var fields graphJSON
	if err := decodeNumbers(data, &fields); err != nil {
		return err
	}
	extra, err := unknownFields(data, graphKnownFields)
	if err != nil {
		return err
	}
	fields.Extra = extra
	*g = Graph(fields)
	return nil
}

// MarshalJSON implements json.Marshaler for Graph.
func (g Graph) MarshalJSON() ([]byte, error) {
	fields := graphJSON(g)
	if fields.Steps == nil {
		fields.Steps = []Step{}
	}
	if fields.Edges == nil {
		fields.Edges = []Edge{}
	}
	return marshalWithExtra(fields, g.Extra)
}

// UnmarshalJSON implements json.Unmarshaler for Step.
func (s *Step) UnmarshalJSON(data []byte) error {
	var fields stepJSON
	if err := decodeNumbers(data, &fields); err != nil {
		return err
	}
	extra, err := unknownFields(data, stepKnownFields)
	if err != nil {
		return err
	}
	fields.Extra = extra
	*s = Step(fields)
	return nil
}

// MarshalJSON implements json.Marshaler for Step.
func (s Step) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(stepJSON(s), s.Extra)
}

// decodeNumbers decodes with UseNumber so metadata numbers keep their
// exact textual value.
func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// unknownFields returns the members of the JSON object in data whose keys
// are not listed in known. Returns nil when there are none.
func unknownFields(data []byte, known []string) (map[string]any, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}

	var extra map[string]any
	for key, raw := range members {
		if isKnown(key, known) {
			continue
		}
		v, err := canonical.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[key] = v
	}
	return extra, nil
}

func isKnown(key string, known []string) bool {
	for _, k := range known {
		if k == key {
			return true
		}
	}
	return false
}

// marshalWithExtra encodes v and merges extra members into the resulting
// object. Known fields win over extra fields with the same key.
func marshalWithExtra(v any, extra map[string]any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, err
	}
	for key, val := range extra {
		if _, exists := members[key]; exists {
			continue
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("extra field %q: %w", key, err)
		}
		members[key] = raw
	}
	return json.Marshal(members)
}
