package supermin

import "sort"

// Filevercmp compares two file names by GNU filevercmp semantics: embedded
// runs of digits are compared numerically, so "vmlinuz-5.12.0" sorts after
// "vmlinuz-5.9.0". The return value is <0, 0 or >0 like strings.Compare.
//
// This mirrors gnulib's filevercmp, including the special handling of "",
// "." and "..", hidden files, and trailing file suffixes such as ".gz".
func Filevercmp(s1, s2 string) int {
	if s1 == s2 {
		return 0
	}

	// "", "." and ".." sort before everything else.
	switch {
	case s1 == "":
		return -1
	case s2 == "":
		return 1
	case s1 == ".":
		return -1
	case s2 == ".":
		return 1
	case s1 == "..":
		return -1
	case s2 == "..":
		return 1
	}

	// Hidden files sort before non-hidden ones.
	if s1[0] == '.' && s2[0] != '.' {
		return -1
	}
	if s1[0] != '.' && s2[0] == '.' {
		return 1
	}
	if s1[0] == '.' && s2[0] == '.' {
		s1, s2 = s1[1:], s2[1:]
	}

	// Cut file suffixes (e.g. ".gz", ".old~") unless the strings are
	// identical without them.
	len1, len2 := matchSuffix(s1), matchSuffix(s2)
	if (len1 < len(s1) || len2 < len(s2)) && len1 == len2 && s1[:len1] == s2[:len2] {
		len1, len2 = len(s1), len(s2)
	}

	if r := verrevcmp(s1[:len1], s2[:len2]); r != 0 {
		return r
	}
	// Equal without suffixes: fall back to a plain comparison so that the
	// ordering is total.
	if s1 < s2 {
		return -1
	}
	return 1
}

// matchSuffix returns the index at which the trailing file suffix of s
// begins, or len(s) if there is none. A suffix is a match of the
// (\.[A-Za-z~][A-Za-z0-9~]*)* pattern anchored at the end of the string.
func matchSuffix(s string) int {
	match := -1
	readAlpha := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if readAlpha {
			readAlpha = false
			if !isAlpha(c) && c != '~' {
				match = -1
			}
		} else if c == '.' {
			readAlpha = true
			if match < 0 {
				match = i
			}
		} else if !isAlnum(c) && c != '~' {
			match = -1
		}
	}
	if match < 0 {
		return len(s)
	}
	return match
}

// order gives the sorting weight of a byte in verrevcmp: "~" lowest (it
// sorts before everything, even digits and the end of the string), then
// digits, then letters, then everything else.
func order(c byte) int {
	switch {
	case isDigit(c):
		return 0
	case isAlpha(c):
		return int(c)
	case c == '~':
		return -1
	default:
		return int(c) + 256
	}
}

// verrevcmp is the Debian version-comparison core used by filevercmp.
func verrevcmp(s1, s2 string) int {
	i, j := 0, 0
	for i < len(s1) || j < len(s2) {
		firstDiff := 0
		for (i < len(s1) && !isDigit(s1[i])) || (j < len(s2) && !isDigit(s2[j])) {
			a, b := 0, 0
			if i < len(s1) {
				a = order(s1[i])
			}
			if j < len(s2) {
				b = order(s2[j])
			}
			if a != b {
				return a - b
			}
			i++
			j++
		}
		for i < len(s1) && s1[i] == '0' {
			i++
		}
		for j < len(s2) && s2[j] == '0' {
			j++
		}
		for i < len(s1) && j < len(s2) && isDigit(s1[i]) && isDigit(s2[j]) {
			if firstDiff == 0 {
				firstDiff = int(s1[i]) - int(s2[j])
			}
			i++
			j++
		}
		if i < len(s1) && isDigit(s1[i]) {
			return 1
		}
		if j < len(s2) && isDigit(s2[j]) {
			return -1
		}
		if firstDiff != 0 {
			return firstDiff
		}
	}
	return 0
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }
func isAlpha(c byte) bool { return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') }
func isAlnum(c byte) bool { return isDigit(c) || isAlpha(c) }

// FilevercmpLess can be used with sort.Slice for an ascending version-aware
// sort.
func FilevercmpLess(a, b string) bool {
	return Filevercmp(a, b) < 0
}

// ReverseFilevercmpSort sorts strs in place by descending filevercmp
// order, so the newest kernel candidate comes first.
func ReverseFilevercmpSort(strs []string) {
	sort.Slice(strs, func(i, j int) bool {
		return FilevercmpLess(strs[j], strs[i])
	})
}
