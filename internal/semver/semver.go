// Package semver implements the version ordering, stability
// classification and range matching used by the firmware listing and
// upload paths.
//
// Parsing is deliberately permissive: comparison never fails, and a
// malformed version collapses to 0.0.0. Strict validation happens once
// at upload time via IsValid.
package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// validRe is the strict check applied to uploaded versions.
var validRe = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)

// preReleaseMarkers classify a version as unstable when any of them
// appears anywhere in the lowercased string. This is a substring
// heuristic, not a pre-release field check: a device type literally
// named "alphaboard" embedded in a version string is classified
// unstable. Known limitation, kept for compatibility.
var preReleaseMarkers = []string{"alpha", "beta", "rc", "dev", "pre", "snapshot", "canary"}

// IsValid reports whether v is a well-formed semantic version.
func IsValid(v string) bool {
	return validRe.MatchString(strings.TrimSpace(v))
}

// IsStable reports whether v carries no pre-release marker.
func IsStable(v string) bool {
	lower := strings.ToLower(v)
	for _, m := range preReleaseMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	return true
}

type part struct {
	num int
	pre string // empty means no pre-release tag on this segment
}

// parse splits a version into numeric segments with optional
// pre-release tags. Missing or non-numeric leading segments default
// to 0.
func parse(v string) []part {
	cleaned := strings.TrimPrefix(strings.TrimSpace(v), "v")
	segs := strings.Split(cleaned, ".")
	out := make([]part, 0, len(segs))
	for _, s := range segs {
		main, pre, _ := strings.Cut(s, "-")
		n, err := strconv.Atoi(main)
		if err != nil {
			n = 0
		}
		out = append(out, part{num: n, pre: pre})
	}
	return out
}

// Compare orders two version strings by semantic precedence and
// returns -1, 0 or 1. A version without a pre-release tag is strictly
// greater than one with a tag at the same numeric segment; tags
// compare lexically.
func Compare(a, b string) int {
	pa, pb := parse(a), parse(b)
	n := len(pa)
	if len(pb) > n {
		n = len(pb)
	}
	for i := 0; i < n; i++ {
		var x, y part
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if x.num != y.num {
			if x.num < y.num {
				return -1
			}
			return 1
		}
		if x.pre != y.pre {
			if x.pre == "" {
				return 1
			}
			if y.pre == "" {
				return -1
			}
			if x.pre < y.pre {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Matches reports whether version satisfies the range pattern.
// Supported forms: exact version, "*" segment wildcards ("1.2.*"),
// comparison operators (">=", "<=", ">", "<") and tilde/caret ranges.
func Matches(version, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	switch {
	case strings.Contains(pattern, "*"):
		return matchWildcard(version, pattern)
	case strings.HasPrefix(pattern, ">="):
		return Compare(version, strings.TrimSpace(pattern[2:])) >= 0
	case strings.HasPrefix(pattern, "<="):
		return Compare(version, strings.TrimSpace(pattern[2:])) <= 0
	case strings.HasPrefix(pattern, ">"):
		return Compare(version, strings.TrimSpace(pattern[1:])) > 0
	case strings.HasPrefix(pattern, "<"):
		return Compare(version, strings.TrimSpace(pattern[1:])) < 0
	case strings.HasPrefix(pattern, "~"):
		return matchTilde(version, strings.TrimSpace(pattern[1:]))
	case strings.HasPrefix(pattern, "^"):
		return matchCaret(version, strings.TrimSpace(pattern[1:]))
	default:
		return Compare(version, pattern) == 0
	}
}

// matchWildcard translates "1.2.*" into a fixed-segment regex.
func matchWildcard(version, pattern string) bool {
	segs := strings.Split(strings.TrimPrefix(pattern, "v"), ".")
	for i, s := range segs {
		if s == "*" {
			segs[i] = `\d+`
		} else {
			segs[i] = regexp.QuoteMeta(s)
		}
	}
	re, err := regexp.Compile(`^v?` + strings.Join(segs, `\.`) + `$`)
	if err != nil {
		return false
	}
	return re.MatchString(strings.TrimSpace(version))
}

// matchTilde implements patch-level ranges: ~X.Y.Z means
// >=X.Y.Z <X.(Y+1).0.
func matchTilde(version, base string) bool {
	major, minor, _ := coreNumbers(base)
	upper := fmt.Sprintf("%d.%d.0", major, minor+1)
	return Compare(version, base) >= 0 && Compare(version, upper) < 0
}

// matchCaret implements minor-level ranges: ^X.Y.Z means
// >=X.Y.Z <(X+1).0.0.
func matchCaret(version, base string) bool {
	major, _, _ := coreNumbers(base)
	upper := fmt.Sprintf("%d.0.0", major+1)
	return Compare(version, base) >= 0 && Compare(version, upper) < 0
}

func coreNumbers(v string) (major, minor, patch int) {
	p := parse(v)
	if len(p) > 0 {
		major = p[0].num
	}
	if len(p) > 1 {
		minor = p[1].num
	}
	if len(p) > 2 {
		patch = p[2].num
	}
	return major, minor, patch
}
