package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/complyflow/internal/canonical"
)

// marshalCanonical converts v to canonical JSON TEXT for storage, so equal
// values are stored byte-identically.
func marshalCanonical(what string, v any) (string, error) {
	data, err := canonical.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", what, err)
	}
	return string(data), nil
}

// unmarshalJSON parses stored JSON TEXT into v. Numbers inside untyped
// fields decode as json.Number to avoid float64 precision loss for values
// > 2^53, which would change record fingerprints.
func unmarshalJSON(what, data string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", what, err)
	}
	return nil
}
