package cpio

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

func appendPath(t *testing.T, w *Writer, path string) {
	t.Helper()
	if err := w.Append(path); err != nil {
		t.Fatalf("Append(%s): %v", path, err)
	}
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "etc")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	hosts := filepath.Join(sub, "hosts")
	if err := os.WriteFile(hosts, []byte("127.0.0.1 localhost\n"), 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(sub, "localtime")
	if err := os.Symlink("/usr/share/zoneinfo/UTC", link); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	appendPath(t, w, sub)
	appendPath(t, w, hosts)
	appendPath(t, w, link)
	if err := w.Trailer(); err != nil {
		t.Fatal(err)
	}

	if buf.Len()%512 != 0 {
		t.Errorf("archive length %d is not a multiple of 512", buf.Len())
	}

	r := NewReader(bytes.NewReader(buf.Bytes()))
	var names []string
	var bodies [][]byte
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, rec.Name)
		bodies = append(bodies, rec.Body)
	}
	want := []string{
		sub[1:], // leading / stripped
		hosts[1:],
		link[1:],
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("entry names: diff (-want +got):\n%s", diff)
	}
	if got, want := string(bodies[1]), "127.0.0.1 localhost\n"; got != want {
		t.Errorf("file body = %q, want %q", got, want)
	}
	if got, want := string(bodies[2]), "/usr/share/zoneinfo/UTC"; got != want {
		t.Errorf("symlink body = %q, want %q", got, want)
	}
}

func TestHeaderAlignment(t *testing.T) {
	dir := t.TempDir()
	// Vary the name lengths to exercise padding.
	var paths []string
	for _, name := range []string{"a", "ab", "abc", "abcd", "abcde"} {
		fn := filepath.Join(dir, name)
		if err := os.WriteFile(fn, []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, fn)
	}
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, p := range paths {
		appendPath(t, w, p)
	}
	if err := w.Trailer(); err != nil {
		t.Fatal(err)
	}
	// Every record header must start at a 4-byte-aligned offset.
	data := buf.Bytes()
	var offsets []int
	for i := 0; i+6 <= len(data); i++ {
		if string(data[i:i+6]) == magic {
			offsets = append(offsets, i)
		}
	}
	if len(offsets) != len(paths)+1 {
		t.Fatalf("found %d headers, want %d", len(offsets), len(paths)+1)
	}
	for _, off := range offsets {
		if off%4 != 0 {
			t.Errorf("header at offset %d is not 4-byte aligned", off)
		}
	}
}

func TestSizeDrift(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "shrinker")
	if err := os.WriteFile(fn, bytes.Repeat([]byte("x"), 1024), 0644); err != nil {
		t.Fatal(err)
	}
	var st unix.Stat_t
	if err := unix.Lstat(fn, &st); err != nil {
		t.Fatal(err)
	}
	// Shrink the file after stat but before the body copy.
	if err := os.Truncate(fn, 512); err != nil {
		t.Fatal(err)
	}
	w := NewWriter(io.Discard)
	if err := w.AppendStat(fn, &st); err == nil {
		t.Error("AppendStat with stale stat succeeded, want size-drift error")
	}

	// Growing must fail, too.
	if err := os.Truncate(fn, 4096); err != nil {
		t.Fatal(err)
	}
	w = NewWriter(io.Discard)
	if err := w.AppendStat(fn, &st); err == nil {
		t.Error("AppendStat over a grown file succeeded, want size-drift error")
	}
}

func TestReaderSkipsRootAndDotEntries(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	var st unix.Stat_t
	st.Mode = unix.S_IFDIR | 0755
	st.Nlink = 2
	if err := w.AppendStat("/", &st); err != nil {
		t.Fatal(err)
	}
	if err := w.Trailer(); err != nil {
		t.Fatal(err)
	}
	r := NewReader(bytes.NewReader(buf.Bytes()))
	if rec, err := r.Next(); err != io.EOF {
		t.Errorf("Next() = (%v, %v), want io.EOF: the root entry must be skipped", rec, err)
	}
}

func TestReaderRejectsOldFormat(t *testing.T) {
	data := append([]byte(oldMagic), bytes.Repeat([]byte("0"), 110)...)
	r := NewReader(bytes.NewReader(data))
	if _, err := r.Next(); err == nil {
		t.Error("old 070707 archive accepted, want error")
	}
}

func TestHardLinksNotDeduplicated(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "sh")
	if err := os.WriteFile(a, []byte("#!ELF"), 0755); err != nil {
		t.Fatal(err)
	}
	b := filepath.Join(dir, "bash")
	if err := os.Link(a, b); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	w := NewWriter(&buf)
	appendPath(t, w, a)
	appendPath(t, w, b)
	if err := w.Trailer(); err != nil {
		t.Fatal(err)
	}
	r := NewReader(bytes.NewReader(buf.Bytes()))
	var recs []*Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		recs = append(recs, rec)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2 (one per link)", len(recs))
	}
	if recs[0].Ino != recs[1].Ino || recs[0].DevMajor != recs[1].DevMajor || recs[0].DevMinor != recs[1].DevMinor {
		t.Error("hard links must share (ino, devmajor, devminor)")
	}
	if recs[0].Nlink < 2 {
		t.Errorf("nlink = %d, want >= 2", recs[0].Nlink)
	}
	// Both appearances carry the body.
	if string(recs[0].Body) != "#!ELF" || string(recs[1].Body) != "#!ELF" {
		t.Error("each hard-link record must carry its own body copy")
	}
}
