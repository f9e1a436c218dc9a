package appliance

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/distr1/supermin/internal/cpio"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"
)

// recordingWriter logs every writer call, for asserting on scan order and
// classification.
type recordingWriter struct {
	events []string
}

func (r *recordingWriter) Start(hostcpu, appliancePath, modpath, initrdPath string) error {
	r.events = append(r.events, "start")
	return nil
}
func (r *recordingWriter) End() error {
	r.events = append(r.events, "end")
	return nil
}
func (r *recordingWriter) File(path string) error {
	r.events = append(r.events, "file "+path)
	return nil
}
func (r *recordingWriter) FileStat(path string, st *unix.Stat_t) error {
	r.events = append(r.events, "filestat "+path)
	return nil
}
func (r *recordingWriter) FTSEntry(path string, info os.FileInfo) error {
	r.events = append(r.events, "fts "+path)
	return nil
}
func (r *recordingWriter) CpioFile(path string) error {
	r.events = append(r.events, "cpio "+path)
	return nil
}

func writeFile(t *testing.T, path string, contents []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, contents, 0644); err != nil {
		t.Fatal(err)
	}
}

func testContext(t *testing.T, w Writer) (*Context, string) {
	t.Helper()
	modpath := filepath.Join(t.TempDir(), "5.14.0")
	writeFile(t, filepath.Join(modpath, "modules.dep"), []byte(""))
	return &Context{
		Writer:     w,
		HostCPU:    "x86_64",
		ModPath:    modpath,
		LibModules: filepath.Dir(modpath),
	}, modpath
}

func TestInputClassification(t *testing.T) {
	dir := t.TempDir()
	// Inputs must be visited in sorted order; hidden and backup files are
	// skipped.
	writeFile(t, filepath.Join(dir, "20-hostfiles"), []byte("/no/such/file\n"))
	writeFile(t, filepath.Join(dir, "10-base.img"), []byte("070701rest-of-archive"))
	writeFile(t, filepath.Join(dir, ".hidden"), []byte("070701"))
	writeFile(t, filepath.Join(dir, "backup~"), []byte("070701"))
	// A file shorter than the magic is a hostfiles list.
	writeFile(t, filepath.Join(dir, "30-tiny"), []byte("0707"))

	rec := &recordingWriter{}
	ctx, modpath := testContext(t, rec)
	if err := Build(ctx, []string{dir}); err != nil {
		t.Fatal(err)
	}

	want := []string{
		"start",
		"cpio " + filepath.Join(dir, "10-base.img"),
		// 20-hostfiles: the only line names a missing path, dropped.
		// 30-tiny: treated as hostfiles; "0707" does not exist, dropped.
		"file " + filepath.Dir(modpath),
		"fts " + modpath,
		"fts " + filepath.Join(modpath, "modules.dep"),
		"end",
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events: diff (-want +got):\n%s", diff)
	}
}

func TestHostfilesWildcard(t *testing.T) {
	libdir := t.TempDir()
	writeFile(t, filepath.Join(libdir, "ld-2.17.so"), []byte("x"))
	writeFile(t, filepath.Join(libdir, "ld-linux-x86-64.so.2"), []byte("x"))
	writeFile(t, filepath.Join(libdir, "libc.so.6"), []byte("x"))

	list := filepath.Join(t.TempDir(), "hostfiles")
	writeFile(t, list, []byte(
		"."+libdir+"/ld-*.so*\n"+ // leading . must be stripped
			libdir+"/nomatch-*.so\n"+ // zero matches: not an error
			"/definitely/not/there\n")) // missing literal: not an error

	rec := &recordingWriter{}
	ctx, _ := testContext(t, rec)
	if err := Build(ctx, []string{list}); err != nil {
		t.Fatal(err)
	}

	var files []string
	for _, ev := range rec.events {
		if strings.HasPrefix(ev, "file "+libdir) {
			files = append(files, strings.TrimPrefix(ev, "file "))
		}
	}
	want := []string{
		libdir + "/ld-2.17.so",
		libdir + "/ld-linux-x86-64.so.2",
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("wildcard matches: diff (-want +got):\n%s", diff)
	}
}

func TestHostfilesLiteralUsesLstat(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	writeFile(t, target, []byte("x"))
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}
	list := filepath.Join(t.TempDir(), "hostfiles")
	writeFile(t, list, []byte(link+"\n"))

	rec := &recordingWriter{}
	ctx, _ := testContext(t, rec)
	if err := Build(ctx, []string{list}); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range rec.events {
		if ev == "filestat "+link {
			found = true
		}
	}
	if !found {
		t.Errorf("symlink not emitted via FileStat; events: %v", rec.events)
	}
}

func TestModuleWhitelist(t *testing.T) {
	rec := &recordingWriter{}
	ctx, modpath := testContext(t, rec)
	writeFile(t, filepath.Join(modpath, "kernel/fs/ext2/ext2.ko"), []byte("m"))
	writeFile(t, filepath.Join(modpath, "kernel/net/e1000.ko"), []byte("m"))
	writeFile(t, filepath.Join(modpath, "kernel/lib/crc32.ko.xz"), []byte("m"))
	writeFile(t, filepath.Join(modpath, "modules.alias"), []byte("alias"))
	ctx.Whitelist = []string{"ext2*", "crc*"}

	if err := Build(ctx, nil); err != nil {
		t.Fatal(err)
	}

	var fts []string
	for _, ev := range rec.events {
		if strings.HasPrefix(ev, "fts ") {
			fts = append(fts, strings.TrimPrefix(ev, "fts "+modpath))
		}
	}
	want := []string{
		"", // the module path itself
		"/kernel",
		"/kernel/fs",
		"/kernel/fs/ext2",
		"/kernel/fs/ext2/ext2.ko",
		"/kernel/lib",
		"/kernel/lib/crc32.ko.xz",
		"/kernel/net",
		// e1000.ko filtered out; directories and non-module files stay.
		"/modules.alias",
		"/modules.dep",
	}
	if diff := cmp.Diff(want, fts); diff != "" {
		t.Errorf("module walk: diff (-want +got):\n%s", diff)
	}
}

func TestCpioWriterEndToEnd(t *testing.T) {
	// Scenario: a skeleton archive plus a hostfile, written to a cpio
	// appliance; the skeleton must be passed through byte for byte.
	work := t.TempDir()
	hosts := filepath.Join(work, "etc-hosts")
	writeFile(t, hosts, []byte("127.0.0.1 localhost\n"))

	var skel bytes.Buffer
	sw := cpio.NewWriter(&skel)
	if err := sw.Append(hosts); err != nil {
		t.Fatal(err)
	}
	// Skeletons produced at build time have no trailer of their own here;
	// the final archive supplies it.
	skeleton := filepath.Join(work, "base.img")
	writeFile(t, skeleton, skel.Bytes())

	list := filepath.Join(work, "hostfiles")
	writeFile(t, list, []byte(hosts+"\n"))

	out := filepath.Join(work, "initrd")
	ctx, _ := testContext(t, NewCpioWriter())
	ctx.InitrdPath = out
	if err := Build(ctx, []string{skeleton, list}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, skel.Bytes()) {
		t.Error("output does not start with the skeleton archive bytes")
	}
	if len(data)%512 != 0 {
		t.Errorf("output length %d is not a multiple of 512", len(data))
	}

	r := cpio.NewReader(bytes.NewReader(data))
	var names []string
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, rec.Name)
	}
	// hosts appears twice: once from the skeleton, once from the
	// hostfiles list (hard links and duplicates are not coalesced on
	// write).
	count := 0
	for _, n := range names {
		if n == hosts[1:] {
			count++
		}
	}
	if count != 2 {
		t.Errorf("expected the host file twice in %v", names)
	}
}
