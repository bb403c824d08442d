package metadata

import "strings"

// CompareVersions orders two version strings and returns -1, 0 or 1.
//
// Versions are split on '.'; missing parts count as "0". Each part is a
// leading run of digits followed by an optional suffix. Digits compare
// numerically (any length), then an empty suffix ranks above any non-empty
// one ("1.0" > "1.0beta", "1.0-rc1" < "1.0"), then suffixes compare bytewise.
func CompareVersions(a, b string) int {
	pa := strings.Split(strings.TrimSpace(a), ".")
	pb := strings.Split(strings.TrimSpace(b), ".")
	n := max(len(pa), len(pb))
	for i := 0; i < n; i++ {
		x, y := "0", "0"
		if i < len(pa) && pa[i] != "" {
			x = pa[i]
		}
		if i < len(pb) && pb[i] != "" {
			y = pb[i]
		}
		if c := comparePart(x, y); c != 0 {
			return c
		}
	}
	return 0
}

// IsNewer reports whether candidate sorts strictly after current.
func IsNewer(candidate, current string) bool {
	return CompareVersions(candidate, current) > 0
}

func comparePart(x, y string) int {
	nx, sx := splitDigits(x)
	ny, sy := splitDigits(y)
	if c := compareNumeric(nx, ny); c != 0 {
		return c
	}
	switch {
	case sx == sy:
		return 0
	case sx == "":
		return 1
	case sy == "":
		return -1
	case sx < sy:
		return -1
	default:
		return 1
	}
}

func splitDigits(s string) (string, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i], s[i:]
}

func compareNumeric(x, y string) int {
	x = strings.TrimLeft(x, "0")
	y = strings.TrimLeft(y, "0")
	if len(x) != len(y) {
		if len(x) < len(y) {
			return -1
		}
		return 1
	}
	return strings.Compare(x, y)
}
