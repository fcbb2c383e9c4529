package patch

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/complyflow/internal/canonical"
)

// OpKind names a structural operation.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpRemove  OpKind = "remove"
	OpReplace OpKind = "replace"
	OpMove    OpKind = "move"
	OpCopy    OpKind = "copy"
	OpTest    OpKind = "test"
)

// ValidOps defines the closed set of operation kinds.
var ValidOps = map[OpKind]bool{
	OpAdd:     true,
	OpRemove:  true,
	OpReplace: true,
	OpMove:    true,
	OpCopy:    true,
	OpTest:    true,
}

// Operation is one structural edit. Path and From are parsed at decode
// time; Value is a generic JSON value (map[string]any, []any, ...).
type Operation struct {
	Op    OpKind
	Path  Pointer
	From  Pointer // move and copy only
	Value any     // add, replace and test only
}

// Add builds an add operation. Panics on a malformed path.
func Add(path string, value any) Operation {
	return Operation{Op: OpAdd, Path: MustParsePointer(path), Value: value}
}

// Remove builds a remove operation. Panics on a malformed path.
func Remove(path string) Operation {
	return Operation{Op: OpRemove, Path: MustParsePointer(path)}
}

// Replace builds a replace operation. Panics on a malformed path.
func Replace(path string, value any) Operation {
	return Operation{Op: OpReplace, Path: MustParsePointer(path), Value: value}
}

// Move builds a move operation. Panics on a malformed path.
func Move(from, path string) Operation {
	return Operation{Op: OpMove, From: MustParsePointer(from), Path: MustParsePointer(path)}
}

// Copy builds a copy operation. Panics on a malformed path.
func Copy(from, path string) Operation {
	return Operation{Op: OpCopy, From: MustParsePointer(from), Path: MustParsePointer(path)}
}

// Test builds a test operation. Panics on a malformed path.
func Test(path string, value any) Operation {
	return Operation{Op: OpTest, Path: MustParsePointer(path), Value: value}
}

type operationJSON struct {
	Op    string          `json:"op"`
	Path  *string         `json:"path"`
	From  *string         `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler for Operation.
// Unknown ops, malformed pointers and missing members are rejected here,
// before any operation is applied.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw operationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	op := OpKind(raw.Op)
	if !ValidOps[op] {
		return fmt.Errorf("unknown op %q", raw.Op)
	}
	if raw.Path == nil {
		return fmt.Errorf("%s: missing path", op)
	}
	path, err := ParsePointer(*raw.Path)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	out := Operation{Op: op, Path: path}

	switch op {
	case OpMove, OpCopy:
		if raw.From == nil {
			return fmt.Errorf("%s: missing from", op)
		}
		out.From, err = ParsePointer(*raw.From)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	case OpAdd, OpReplace, OpTest:
		if raw.Value == nil {
			return fmt.Errorf("%s: missing value", op)
		}
		out.Value, err = canonical.Decode(raw.Value)
		if err != nil {
			return fmt.Errorf("%s: value: %w", op, err)
		}
	}

	*o = out
	return nil
}

// MarshalJSON implements json.Marshaler for Operation.
func (o Operation) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"op":   string(o.Op),
		"path": o.Path.String(),
	}
	switch o.Op {
	case OpMove, OpCopy:
		m["from"] = o.From.String()
	case OpAdd, OpReplace, OpTest:
		m["value"] = o.Value
	}
	return json.Marshal(m)
}

// OverlayPatch is an ordered list of operations from one named source.
// The operations of a patch apply atomically: all or none.
type OverlayPatch struct {
	Source     string      `json:"source"`
	Operations []Operation `json:"operations"`
}
