// Package sourcediff compares two collections of external source records.
//
// Records are matched by a derived identity rather than position, so the
// order in which a registry returns records never shows up as drift.
package sourcediff

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/complyflow/internal/canonical"
	"github.com/roach88/complyflow/internal/fingerprint"
)

// Record is one external fact.
type Record = fingerprint.Record

// Change is a record present on both sides with different content.
type Change struct {
	Key    string `json:"key"`
	Before Record `json:"before"`
	After  Record `json:"after"`
}

// Diff lists added and changed records in current order and removed
// records in previous order.
type Diff struct {
	Added   []Record `json:"added"`
	Removed []Record `json:"removed"`
	Changed []Change `json:"changed"`
}

// Empty reports whether the two sides were equivalent.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Summary renders counts for logs and change events.
func (d Diff) Summary() string {
	return fmt.Sprintf("%d added, %d removed, %d changed", len(d.Added), len(d.Removed), len(d.Changed))
}

// Identity fields, in priority order after "id".
var registrationFields = []string{"registrationNumber", "registration_number", "registration", "number"}

// Identity derives the diff key of a record: its id field, else a
// registration or number field, else its lowercased name, else a hash of
// its content. The key is prefixed with the rule that produced it.
func Identity(r Record) (string, error) {
	if v, ok := scalar(r["id"]); ok {
		return "id:" + v, nil
	}
	for _, field := range registrationFields {
		if v, ok := scalar(r[field]); ok {
			return "reg:" + v, nil
		}
	}
	if name, ok := r["name"].(string); ok && strings.TrimSpace(name) != "" {
		return "name:" + strings.ToLower(strings.TrimSpace(name)), nil
	}

	sum, err := fingerprint.Fingerprint([]Record{r})
	if err != nil {
		return "", fmt.Errorf("record identity: %w", err)
	}
	return "hash:" + sum, nil
}

// scalar renders usable identity values: non-blank strings and numbers.
func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		if s := strings.TrimSpace(x); s != "" {
			return s, true
		}
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	}
	return "", false
}

type entry struct {
	record  Record
	content string
}

// Compute diffs previous against current. Records sharing an identity on
// one side are matched by occurrence, so every record is accounted for.
// Runs in time linear in the total number of records.
func Compute(previous, current []Record) (Diff, error) {
	prevKeys, prev, err := index(previous)
	if err != nil {
		return Diff{}, fmt.Errorf("previous: %w", err)
	}
	currKeys, curr, err := index(current)
	if err != nil {
		return Diff{}, fmt.Errorf("current: %w", err)
	}

	d := Diff{Added: []Record{}, Removed: []Record{}, Changed: []Change{}}
	for _, key := range currKeys {
		after := curr[key]
		before, ok := prev[key]
		switch {
		case !ok:
			d.Added = append(d.Added, after.record)
		case before.content != after.content:
			d.Changed = append(d.Changed, Change{Key: key.String(), Before: before.record, After: after.record})
		}
	}
	for _, key := range prevKeys {
		if _, ok := curr[key]; !ok {
			d.Removed = append(d.Removed, prev[key].record)
		}
	}
	return d, nil
}

// occurrence identifies the n-th record (from 1) carrying an identity.
type occurrence struct {
	id string
	n  int
}

// String renders the identity, with "#n" appended for repeats.
func (o occurrence) String() string {
	if o.n > 1 {
		return o.id + "#" + strconv.Itoa(o.n)
	}
	return o.id
}

// index keys records by identity and occurrence number.
func index(records []Record) ([]occurrence, map[occurrence]entry, error) {
	keys := make([]occurrence, 0, len(records))
	out := make(map[occurrence]entry, len(records))
	seen := make(map[string]int, len(records))

	for i, r := range records {
		id, err := Identity(r)
		if err != nil {
			return nil, nil, fmt.Errorf("record %d: %w", i, err)
		}
		content, err := canonical.String(r)
		if err != nil {
			return nil, nil, fmt.Errorf("record %d: %w", i, err)
		}

		seen[id]++
		key := occurrence{id: id, n: seen[id]}
		keys = append(keys, key)
		out[key] = entry{record: r, content: content}
	}
	return keys, out, nil
}
