package workflow

import (
	"encoding/json"
	"strings"

	"github.com/roach88/complyflow/internal/canonical"
)

// SecretBinding maps a step's logical secret name to a runtime alias.
// A binding never carries secret material; the raw authored JSON is kept so
// the validator can reject literal values and malformed entries instead of
// having them silently dropped by decoding.
type SecretBinding struct {
	Alias string

	raw       json.RawMessage
	isObject  bool
	aliasText bool
	hasValue  bool
}

// NewAliasBinding creates a well-formed binding for alias.
func NewAliasBinding(alias string) SecretBinding {
	raw, _ := json.Marshal(map[string]string{"alias": alias})
	return SecretBinding{
		Alias:     alias,
		raw:       raw,
		isObject:  true,
		aliasText: true,
	}
}

// IsObject reports whether the binding was authored as a JSON object.
func (b SecretBinding) IsObject() bool {
	return b.isObject
}

// HasAlias reports whether the binding carries a non-empty string alias.
func (b SecretBinding) HasAlias() bool {
	return b.aliasText && strings.TrimSpace(b.Alias) != ""
}

// HasLiteralValue reports whether the binding embeds a "value" key.
func (b SecretBinding) HasLiteralValue() bool {
	return b.hasValue
}

// UnmarshalJSON implements json.Unmarshaler for SecretBinding.
// Any JSON value is accepted; shape problems are reported by validation.
func (b *SecretBinding) UnmarshalJSON(data []byte) error {
	v, err := canonical.Decode(data)
	if err != nil {
		return err
	}

	*b = SecretBinding{raw: append(json.RawMessage(nil), data...)}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	b.isObject = true
	if alias, ok := obj["alias"].(string); ok {
		b.Alias = alias
		b.aliasText = true
	}
	_, b.hasValue = obj["value"]
	return nil
}

// MarshalJSON implements json.Marshaler for SecretBinding.
// Emits the authored JSON unchanged.
func (b SecretBinding) MarshalJSON() ([]byte, error) {
	if b.raw == nil {
		return json.Marshal(map[string]string{"alias": b.Alias})
	}
	return b.raw, nil
}
