package versions

import (
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// split separates a version into its release part and its pre-release part.
// Build metadata after "+" is dropped.
func split(v string) (rel, pre string) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	if i := strings.IndexByte(v, '-'); i >= 0 {
		return v[:i], v[i+1:]
	}
	return v, ""
}

// Compare orders two version strings, returning -1, 0 or +1. Release parts
// are compared first as dot-separated tuples padded with zeros, so "1.2"
// equals "1.2.0" and "1.2.0" sorts before "1.2.0.1". Numeric segments compare
// numerically and sort before non-numeric ones. Only when the releases are
// equal does the pre-release decide: a release beats any of its
// pre-releases, and pre-releases follow semver precedence.
func Compare(a, b string) int {
	ra, pa := split(a)
	rb, pb := split(b)
	if c := compareRelease(ra, rb); c != 0 {
		return c
	}
	switch {
	case pa == pb:
		return 0
	case pa == "":
		return 1
	case pb == "":
		return -1
	}
	if sa, sb := "v0.0.0-"+pa, "v0.0.0-"+pb; semver.IsValid(sa) && semver.IsValid(sb) {
		return semver.Compare(sa, sb)
	}
	// same identifier rules as semver, tolerant of malformed identifiers
	return compareTuple(pa, pb)
}

func compareRelease(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}
	for i := 0; i < n; i++ {
		if c := compareSegment(segmentAt(pa, i), segmentAt(pb, i)); c != 0 {
			return c
		}
	}
	return 0
}

func compareTuple(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		if c := compareSegment(pa[i], pb[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(pa) < len(pb):
		return -1
	case len(pa) > len(pb):
		return 1
	}
	return 0
}

func compareSegment(a, b string) int {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		}
		return 0
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(a, b)
}

// release returns the numeric-ish release segments, without build or
// pre-release suffixes.
func release(v string) []string {
	rel, _ := split(v)
	return strings.Split(rel, ".")
}

func segmentAt(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return "0"
}

func sameSegments(a, b string, n int) bool {
	ra, rb := release(a), release(b)
	for i := 0; i < n; i++ {
		if compareSegment(segmentAt(ra, i), segmentAt(rb, i)) != 0 {
			return false
		}
	}
	return true
}

// Satisfies reports whether version meets requirement. Supported forms:
// ">=1.0", ">1.0", "<=1.0", "<1.0", "~1.2.3" (same major.minor, >=),
// "^1.2.3" (same major, >=), "=1.0" or a bare version (exact), and "" / "*"
// (any). Several constraints separated by commas or spaces must all hold.
func Satisfies(version, requirement string) bool {
	requirement = strings.TrimSpace(requirement)
	if requirement == "" || requirement == "*" || requirement == "latest" {
		return true
	}
	if strings.TrimSpace(version) == "" {
		return false
	}
	for _, c := range splitConstraints(requirement) {
		if !satisfiesOne(version, c) {
			return false
		}
	}
	return true
}

func splitConstraints(req string) []string {
	fields := strings.FieldsFunc(req, func(r rune) bool { return r == ',' || r == ' ' })
	// rejoin operators separated from their version (">= 1.0")
	var out []string
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if strings.Trim(f, "<>=~^") == "" && i+1 < len(fields) {
			f += fields[i+1]
			i++
		}
		out = append(out, f)
	}
	return out
}

func satisfiesOne(version, constraint string) bool {
	var op, target string
	for _, candidate := range []string{">=", "<=", ">", "<", "^", "~", "=="} {
		if strings.HasPrefix(constraint, candidate) {
			op, target = candidate, strings.TrimPrefix(constraint, candidate)
			break
		}
	}
	if op == "" {
		op, target = "=", strings.TrimPrefix(constraint, "=")
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return false
	}
	c := Compare(version, target)
	switch op {
	case ">=":
		return c >= 0
	case ">":
		return c > 0
	case "<=":
		return c <= 0
	case "<":
		return c < 0
	case "^":
		return c >= 0 && sameSegments(version, target, 1)
	case "~":
		return c >= 0 && sameSegments(version, target, 2)
	default:
		return c == 0
	}
}
