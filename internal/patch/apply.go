package patch

import (
	"errors"
	"fmt"

	"github.com/roach88/complyflow/internal/canonical"
	"github.com/roach88/complyflow/internal/workflow"
)

// Error reports a patch that could not be applied. The whole patch named by
// Source was discarded.
type Error struct {
	Source string // overlay source of the failing patch
	Index  int    // index of the failing operation, -1 when the result was rejected
	Op     OpKind
	Path   string
	Detail string
}

func (e *Error) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("patch application failed: overlay %q: %s", e.Source, e.Detail)
	}
	return fmt.Sprintf("patch application failed: overlay %q: operation %d (%s %s): %s",
		e.Source, e.Index, e.Op, e.Path, e.Detail)
}

// IsPatchError returns true if err is a patch application failure.
func IsPatchError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// ApplyPatches applies patches to graph strictly in order and returns the
// resulting graph. The input graph is never modified. Each patch is applied
// to a private copy of the current document; if any of its operations fails,
// or the result no longer decodes as a workflow graph, nothing from that
// patch is kept and an *Error naming the patch source is returned.
func ApplyPatches(graph *workflow.Graph, patches []OverlayPatch) (*workflow.Graph, error) {
	current, err := graph.Clone()
	if err != nil {
		return nil, fmt.Errorf("apply patches: %w", err)
	}

	for _, p := range patches {
		doc, err := current.Document()
		if err != nil {
			return nil, fmt.Errorf("apply patches: %w", err)
		}

		patched, err := ApplyDocument(doc, p.Operations)
		if err != nil {
			var pe *Error
			if errors.As(err, &pe) {
				pe.Source = p.Source
			}
			return nil, err
		}

		next, err := workflow.FromDocument(patched)
		if err != nil {
			return nil, &Error{
				Source: p.Source,
				Index:  -1,
				Detail: fmt.Sprintf("result is not a valid workflow graph: %v", err),
			}
		}
		current = next
	}
	return current, nil
}

// ApplyDocument applies ops in order to a deep copy of doc and returns the
// patched copy. doc is never modified. Failures are returned as *Error with
// Source left empty.
func ApplyDocument(doc any, ops []Operation) (any, error) {
	working, err := canonical.Clone(doc)
	if err != nil {
		return nil, fmt.Errorf("clone document: %w", err)
	}

	for i, op := range ops {
		working, err = applyOp(working, op)
		if err != nil {
			return nil, &Error{
				Index:  i,
				Op:     op.Op,
				Path:   op.Path.String(),
				Detail: err.Error(),
			}
		}
	}
	return working, nil
}

func applyOp(doc any, op Operation) (any, error) {
	switch op.Op {
	case OpAdd:
		value, err := canonical.Clone(op.Value)
		if err != nil {
			return nil, err
		}
		return add(doc, op.Path, value)

	case OpRemove:
		out, _, err := remove(doc, op.Path)
		return out, err

	case OpReplace:
		value, err := canonical.Clone(op.Value)
		if err != nil {
			return nil, err
		}
		return replace(doc, op.Path, value)

	case OpMove:
		if op.From.IsProperPrefixOf(op.Path) {
			return nil, fmt.Errorf("cannot move %q into its own child", op.From.String())
		}
		out, value, err := remove(doc, op.From)
		if err != nil {
			return nil, fmt.Errorf("from: %w", err)
		}
		return add(out, op.Path, value)

	case OpCopy:
		value, err := get(doc, op.From)
		if err != nil {
			return nil, fmt.Errorf("from: %w", err)
		}
		value, err = canonical.Clone(value)
		if err != nil {
			return nil, err
		}
		return add(doc, op.Path, value)

	case OpTest:
		value, err := get(doc, op.Path)
		if err != nil {
			return nil, err
		}
		if !canonical.Equal(value, op.Value) {
			return nil, fmt.Errorf("test failed: value at %q differs", op.Path.String())
		}
		return doc, nil

	default:
		return nil, fmt.Errorf("unknown op %q", op.Op)
	}
}

// get resolves ptr against doc.
func get(doc any, ptr Pointer) (any, error) {
	node := doc
	for i, tok := range ptr {
		next, err := child(node, tok)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", ptr[:i+1].String(), err)
		}
		node = next
	}
	return node, nil
}

func child(node any, tok string) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		v, ok := n[tok]
		if !ok {
			return nil, fmt.Errorf("member %q not found", tok)
		}
		return v, nil
	case []any:
		idx, err := arrayIndex(tok, len(n), false)
		if err != nil {
			return nil, err
		}
		return n[idx], nil
	default:
		return nil, fmt.Errorf("cannot traverse into %s", typeName(node))
	}
}

// edit walks to the parent of the last token of ptr and calls fn with it.
// fn returns the replacement parent. Containers along the way are updated
// in place; callers always operate on a private copy.
func edit(doc any, ptr Pointer, fn func(parent any, tok string) (any, error)) (any, error) {
	if len(ptr) == 1 {
		return fn(doc, ptr[0])
	}
	next, err := child(doc, ptr[0])
	if err != nil {
		return nil, err
	}
	updated, err := edit(next, ptr[1:], fn)
	if err != nil {
		return nil, err
	}
	switch n := doc.(type) {
	case map[string]any:
		n[ptr[0]] = updated
	case []any:
		idx, _ := arrayIndex(ptr[0], len(n), false)
		n[idx] = updated
	}
	return doc, nil
}

func add(doc any, ptr Pointer, value any) (any, error) {
	if len(ptr) == 0 {
		return value, nil
	}
	return edit(doc, ptr, func(parent any, tok string) (any, error) {
		switch p := parent.(type) {
		case map[string]any:
			p[tok] = value
			return p, nil
		case []any:
			idx, err := arrayIndex(tok, len(p), true)
			if err != nil {
				return nil, err
			}
			out := make([]any, 0, len(p)+1)
			out = append(out, p[:idx]...)
			out = append(out, value)
			out = append(out, p[idx:]...)
			return out, nil
		default:
			return nil, fmt.Errorf("cannot add to %s", typeName(parent))
		}
	})
}

func remove(doc any, ptr Pointer) (any, any, error) {
	if len(ptr) == 0 {
		return nil, nil, errors.New("cannot remove the document root")
	}
	var removed any
	out, err := edit(doc, ptr, func(parent any, tok string) (any, error) {
		switch p := parent.(type) {
		case map[string]any:
			v, ok := p[tok]
			if !ok {
				return nil, fmt.Errorf("member %q not found", tok)
			}
			removed = v
			delete(p, tok)
			return p, nil
		case []any:
			idx, err := arrayIndex(tok, len(p), false)
			if err != nil {
				return nil, err
			}
			removed = p[idx]
			out := make([]any, 0, len(p)-1)
			out = append(out, p[:idx]...)
			out = append(out, p[idx+1:]...)
			return out, nil
		default:
			return nil, fmt.Errorf("cannot remove from %s", typeName(parent))
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return out, removed, nil
}

func replace(doc any, ptr Pointer, value any) (any, error) {
	if len(ptr) == 0 {
		return value, nil
	}
	return edit(doc, ptr, func(parent any, tok string) (any, error) {
		switch p := parent.(type) {
		case map[string]any:
			if _, ok := p[tok]; !ok {
				return nil, fmt.Errorf("member %q not found", tok)
			}
			p[tok] = value
			return p, nil
		case []any:
			idx, err := arrayIndex(tok, len(p), false)
			if err != nil {
				return nil, err
			}
			p[idx] = value
			return p, nil
		default:
			return nil, fmt.Errorf("cannot replace in %s", typeName(parent))
		}
	})
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return "number"
	}
}
