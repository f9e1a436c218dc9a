// Package fsutil provides the small filesystem helpers shared by the
// appliance scanner and the kernel selector: a memoised directory reader,
// list filters and a line-oriented file loader.
package fsutil

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/xerrors"
)

var dirCache struct {
	sync.Mutex
	m map[string][]string
}

// ReadDir returns the names of all entries in the directory. Results are
// memoised per path for the lifetime of the process, so callers must not
// mutate the returned slice. A directory that cannot be opened yields an
// empty listing, not an error: hostfile wildcards routinely point at
// directories that do not exist on this host.
func ReadDir(name string) []string {
	dirCache.Lock()
	defer dirCache.Unlock()
	if dirCache.m == nil {
		dirCache.m = make(map[string][]string)
	}
	if names, ok := dirCache.m[name]; ok {
		return names
	}
	var names []string
	entries, err := os.ReadDir(name)
	if err == nil {
		names = make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
	}
	dirCache.m[name] = names
	return names
}

// Filter returns the strings for which keep returns true.
func Filter(strs []string, keep func(string) bool) []string {
	out := make([]string, 0, len(strs))
	for _, s := range strs {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// FilterFnmatch returns the strings matching the shell-style pattern.
// Patterns come from trusted build inputs, so a malformed pattern is a
// caller bug and reported as an error.
func FilterFnmatch(strs []string, pattern string) ([]string, error) {
	out := make([]string, 0, len(strs))
	for _, s := range strs {
		ok, err := filepath.Match(pattern, s)
		if err != nil {
			return nil, xerrors.Errorf("match %q against %q: %w", pattern, s, err)
		}
		if ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// FilterNotMatchingSubstring returns the strings which do NOT contain sub.
func FilterNotMatchingSubstring(strs []string, sub string) []string {
	return Filter(strs, func(s string) bool {
		return !strings.Contains(s, sub)
	})
}

// LoadFile reads filename and returns its lines with trailing newlines
// removed.
func LoadFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("read %s: %w", filename, err)
	}
	return lines, nil
}

// IsDir reports whether path exists and is a directory, following symlinks.
func IsDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

// IsFile reports whether path exists and is a regular file, following
// symlinks.
func IsFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
