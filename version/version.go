// Package version compares segmented version strings and evaluates affected version ranges.
package version

import (
	"strings"

	"github.com/aquasecurity/vuln-identify/cpe"
	"github.com/aquasecurity/vuln-identify/types"
)

type segment struct {
	value   string
	numeric bool
}

// Version is a parsed sequence of numeric and alphabetic segments.
type Version struct {
	raw      string
	segments []segment
}

func (v Version) String() string {
	return v.raw
}

var zero = segment{value: "0", numeric: true}

// Parse splits v on '.', '-', '+', '_' and on digit/letter boundaries.
// A version is parseable when it only holds letters, digits and separators
// and starts with a digit, optionally after a leading 'v'.
func Parse(v string) (Version, bool) {
	s := strings.TrimSpace(v)
	if len(s) > 1 && (s[0] == 'v' || s[0] == 'V') && isDigit(s[1]) {
		s = s[1:]
	}
	if s == "" || !isDigit(s[0]) {
		return Version{}, false
	}

	var (
		segs []segment
		cur  strings.Builder
		num  bool
	)
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		val := cur.String()
		if num {
			val = strings.TrimLeft(val, "0")
			if val == "" {
				val = "0"
			}
		} else {
			val = strings.ToLower(val)
		}
		segs = append(segs, segment{value: val, numeric: num})
		cur.Reset()
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '.' || c == '-' || c == '+' || c == '_':
			flush()
		case isDigit(c):
			if cur.Len() > 0 && !num {
				flush()
			}
			num = true
			cur.WriteByte(c)
		case isLetter(c):
			if cur.Len() > 0 && num {
				flush()
			}
			num = false
			cur.WriteByte(c)
		default:
			return Version{}, false
		}
	}
	flush()
	return Version{raw: v, segments: segs}, true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Compare returns -1, 0 or 1. The shorter version is padded with zero
// segments; a numeric segment sorts before an alphabetic one.
func Compare(a, b Version) int {
	n := max(len(a.segments), len(b.segments))
	for i := 0; i < n; i++ {
		sa, sb := zero, zero
		if i < len(a.segments) {
			sa = a.segments[i]
		}
		if i < len(b.segments) {
			sb = b.segments[i]
		}
		if c := compareSegment(sa, sb); c != 0 {
			return c
		}
	}
	return 0
}

func compareSegment(a, b segment) int {
	switch {
	case a.numeric && !b.numeric:
		return -1
	case !a.numeric && b.numeric:
		return 1
	case a.numeric:
		// leading zeros are already trimmed
		if len(a.value) != len(b.value) {
			if len(a.value) < len(b.value) {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(a.value, b.value)
}

// Matches reports whether v is covered by the rule. Without bounds the rule's
// own version must equal v or be a wildcard. With bounds every present bound
// must hold. When v or a bound cannot be parsed only a literal hit on an
// inclusive bound matches.
func Matches(v string, rule types.VulnerableSoftwareRule) bool {
	if !rule.HasBounds() {
		rv := rule.Pattern.Version
		return rv == "" || rv == cpe.Any || rv == v
	}
	if strings.TrimSpace(v) == "" {
		return false
	}

	pv, ok := Parse(v)
	if !ok {
		return literalBound(v, rule)
	}

	checks := []struct {
		bound string
		holds func(c int) bool
	}{
		{rule.VersionStartIncluding, func(c int) bool { return c >= 0 }},
		{rule.VersionStartExcluding, func(c int) bool { return c > 0 }},
		{rule.VersionEndIncluding, func(c int) bool { return c <= 0 }},
		{rule.VersionEndExcluding, func(c int) bool { return c < 0 }},
	}
	for _, check := range checks {
		if check.bound == "" {
			continue
		}
		pb, ok := Parse(check.bound)
		if !ok {
			return literalBound(v, rule)
		}
		if !check.holds(Compare(pv, pb)) {
			return false
		}
	}
	return true
}

func literalBound(v string, rule types.VulnerableSoftwareRule) bool {
	if v == rule.VersionStartExcluding || v == rule.VersionEndExcluding {
		return false
	}
	return v == rule.VersionStartIncluding || v == rule.VersionEndIncluding
}
