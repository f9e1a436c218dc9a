package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestReadDirMemoised(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b", "a", "c"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	got := ReadDir(dir)
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Fatalf("ReadDir: diff (-want +got):\n%s", diff)
	}
	// A file created after the first read must not show up: the listing is
	// cached for the lifetime of the process.
	if err := os.WriteFile(filepath.Join(dir, "d"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	again := ReadDir(dir)
	if diff := cmp.Diff(got, again); diff != "" {
		t.Errorf("ReadDir not memoised: diff (-first +second):\n%s", diff)
	}
}

func TestReadDirMissing(t *testing.T) {
	if got := ReadDir(filepath.Join(t.TempDir(), "nonexistent")); len(got) != 0 {
		t.Errorf("ReadDir(missing) = %v, want empty", got)
	}
}

func TestFilterFnmatch(t *testing.T) {
	strs := []string{"ld-2.17.so", "ld-linux-x86-64.so.2", "libc.so.6", "ld-2.17.so.debug"}
	got, err := FilterFnmatch(strs, "ld-*.so")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"ld-2.17.so"}, got); diff != "" {
		t.Errorf("FilterFnmatch: diff (-want +got):\n%s", diff)
	}
}

func TestFilterNotMatchingSubstring(t *testing.T) {
	strs := []string{"vmlinuz-5.14.0", "vmlinuz-5.14.0.xen", "vmlinuz-4.18.0"}
	got := FilterNotMatchingSubstring(strs, "xen")
	if diff := cmp.Diff([]string{"vmlinuz-5.14.0", "vmlinuz-4.18.0"}, got); diff != "" {
		t.Errorf("FilterNotMatchingSubstring: diff (-want +got):\n%s", diff)
	}
}

func TestLoadFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "hostfiles")
	if err := os.WriteFile(fn, []byte("/etc/hosts\n./usr/lib/ld-*.so\n\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"/etc/hosts", "./usr/lib/ld-*.so", ""}, got); diff != "" {
		t.Errorf("LoadFile: diff (-want +got):\n%s", diff)
	}
}

func TestIsDirIsFile(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "f")
	if err := os.WriteFile(fn, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "l")
	if err := os.Symlink(fn, link); err != nil {
		t.Fatal(err)
	}
	if !IsDir(dir) || IsDir(fn) {
		t.Error("IsDir misclassified")
	}
	if !IsFile(fn) || IsFile(dir) {
		t.Error("IsFile misclassified")
	}
	if !IsFile(link) {
		t.Error("IsFile must follow symlinks")
	}
}
