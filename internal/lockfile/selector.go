package lockfile

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Selector binds a rule or template to a version. Exactly one of Version
// (an exact version) or Range is set. Ranges are resolved by the data
// source, never by the resolver.
type Selector struct {
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Range   string `json:"range,omitempty" yaml:"range,omitempty"`
}

// Exact returns a selector for an exact version.
func Exact(version string) Selector {
	return Selector{Version: version}
}

// Range returns a selector for a version range.
func Range(expr string) Selector {
	return Selector{Range: expr}
}

// IsRange reports whether the selector is a range.
func (s Selector) IsRange() bool {
	return s.Range != ""
}

func (s Selector) String() string {
	if s.IsRange() {
		return "range " + s.Range
	}
	return s.Version
}

// UnmarshalJSON accepts a bare version string, {"version": ...} or
// {"range": ...}.
func (s *Selector) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var v string
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return err
		}
		*s = Selector{Version: v}
		return s.validate()
	}

	type plain Selector
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return fmt.Errorf("selector: %w", err)
	}
	*s = Selector(p)
	return s.validate()
}

func (s Selector) validate() error {
	switch {
	case s.Version == "" && s.Range == "":
		return fmt.Errorf("selector: version or range is required")
	case s.Version != "" && s.Range != "":
		return fmt.Errorf("selector: version and range are mutually exclusive")
	}
	return nil
}
