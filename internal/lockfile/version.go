package lockfile

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// ResolveRange returns the highest version in versions that satisfies the
// range expression. Versions that are not semantic versions are skipped.
// ok is false when nothing matches.
//
// Supported expressions:
//
//	*  latest           any version
//	1.4.2              exactly 1.4.2
//	1  1.x  1.4.x      wildcard on the omitted parts
//	^1.4.2  ~1.4.2     compatible (same major) / approximately (same minor)
//	>=1.0.0 <2.0.0     comparators, space separated, all must hold
//	^1.0.0 || ^2.0.0   alternatives
func ResolveRange(expr string, versions []string) (best string, ok bool, err error) {
	alts, err := parseRange(expr)
	if err != nil {
		return "", false, err
	}
	bestCanon := ""
	for _, v := range versions {
		c, valid := canonicalVersion(v)
		if !valid || !matches(alts, c) {
			continue
		}
		if !ok || semver.Compare(c, bestCanon) > 0 {
			best, bestCanon, ok = v, c, true
		}
	}
	return best, ok, nil
}

// MatchRange reports whether version satisfies the range expression.
func MatchRange(expr, version string) (bool, error) {
	alts, err := parseRange(expr)
	if err != nil {
		return false, err
	}
	c, valid := canonicalVersion(version)
	if !valid {
		return false, nil
	}
	return matches(alts, c), nil
}

type comparator struct {
	op      string
	version string
}

func (c comparator) holds(v string) bool {
	cmp := semver.Compare(v, c.version)
	switch c.op {
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	default:
		return cmp == 0
	}
}

func matches(alts [][]comparator, v string) bool {
	for _, set := range alts {
		all := true
		for _, c := range set {
			if !c.holds(v) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func parseRange(expr string) ([][]comparator, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("version range: empty expression")
	}
	var alts [][]comparator
	for _, part := range strings.Split(expr, "||") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			return nil, fmt.Errorf("version range %q: empty alternative", expr)
		}
		var set []comparator
		for _, f := range fields {
			cs, err := parseComparator(f)
			if err != nil {
				return nil, fmt.Errorf("version range %q: %w", expr, err)
			}
			set = append(set, cs...)
		}
		alts = append(alts, set)
	}
	return alts, nil
}

func parseComparator(tok string) ([]comparator, error) {
	if tok == "*" || tok == "x" || tok == "latest" {
		return nil, nil
	}
	for _, op := range []string{">=", "<=", ">", "<", "="} {
		if rest, found := strings.CutPrefix(tok, op); found {
			v, ok := canonicalVersion(rest)
			if !ok {
				return nil, fmt.Errorf("invalid version %q", rest)
			}
			return []comparator{{op: op, version: v}}, nil
		}
	}

	switch tok[0] {
	case '^':
		nums, err := versionParts(tok[1:])
		if err != nil {
			return nil, err
		}
		lo := format(nums[0], nums[1], nums[2])
		hi := format(nums[0]+1, 0, 0)
		if nums[0] == 0 {
			hi = format(0, nums[1]+1, 0)
		}
		return []comparator{{">=", lo}, {"<", hi}}, nil
	case '~':
		nums, err := versionParts(tok[1:])
		if err != nil {
			return nil, err
		}
		return []comparator{
			{">=", format(nums[0], nums[1], nums[2])},
			{"<", format(nums[0], nums[1]+1, 0)},
		}, nil
	}

	trimmed := strings.TrimSuffix(strings.TrimSuffix(tok, ".x"), ".*")
	if nums, n, err := partialParts(trimmed); err == nil {
		switch n {
		case 1:
			return []comparator{{">=", format(nums[0], 0, 0)}, {"<", format(nums[0]+1, 0, 0)}}, nil
		case 2:
			return []comparator{{">=", format(nums[0], nums[1], 0)}, {"<", format(nums[0], nums[1]+1, 0)}}, nil
		}
	}
	v, ok := canonicalVersion(tok)
	if !ok {
		return nil, fmt.Errorf("invalid version %q", tok)
	}
	return []comparator{{"=", v}}, nil
}

// canonicalVersion converts "1.2.3" or "v1.2.3" into semver's canonical
// "v1.2.3" form.
func canonicalVersion(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", false
	}
	return semver.Canonical(v), true
}

func versionParts(v string) ([3]int, error) {
	c, ok := canonicalVersion(v)
	if !ok {
		return [3]int{}, fmt.Errorf("invalid version %q", v)
	}
	core := strings.TrimPrefix(c, "v")
	core, _, _ = strings.Cut(core, "+")
	core, _, _ = strings.Cut(core, "-")
	nums, _, err := partialParts(core)
	return nums, err
}

func partialParts(v string) ([3]int, int, error) {
	var nums [3]int
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	if len(parts) > 3 {
		return nums, 0, fmt.Errorf("invalid version %q", v)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nums, 0, fmt.Errorf("invalid version %q", v)
		}
		nums[i] = n
	}
	return nums, len(parts), nil
}

func format(major, minor, patch int) string {
	return fmt.Sprintf("v%d.%d.%d", major, minor, patch)
}
