// Package checksum implements the checksum output writer: instead of
// building an appliance it fingerprints the files that would go into one,
// so callers can tell whether a rebuild would produce a different
// appliance without actually rebuilding.
package checksum

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/distr1/supermin"
	"github.com/distr1/supermin/internal/fsutil"
	"golang.org/x/sys/unix"
)

// Writer collects one fingerprint line per emitted entry and hashes the
// sorted lines at End. Sorting makes the digest independent of the order
// in which directories happen to be read.
type Writer struct {
	out   io.Writer
	lines []string
}

// New returns a checksum writer that writes the final hex digest to out.
func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

func (w *Writer) Start(hostcpu, appliancePath, modpath, initrdPath string) error {
	w.lines = append(w.lines, fmt.Sprintf("supermin %s %s %s %d",
		supermin.Version, hostcpu, modpath, os.Geteuid()))
	return nil
}

func (w *Writer) End() error {
	sort.Strings(w.lines)
	h := sha256.New()
	for _, line := range w.lines {
		io.WriteString(h, line)
		io.WriteString(h, "\n")
	}
	_, err := fmt.Fprintf(w.out, "%x\n", h.Sum(nil))
	return err
}

func (w *Writer) File(path string) error {
	st, err := fsutil.Lstat(path)
	if err != nil {
		return err
	}
	return w.FileStat(path, st)
}

func (w *Writer) FileStat(path string, st *unix.Stat_t) error {
	// Publically writable directories (e.g. /tmp) and special files do not
	// have stable times, and sizes of directories vary across filesystems,
	// so only regular files contribute times and sizes.
	if st.Mode&unix.S_IFMT == unix.S_IFREG {
		w.lines = append(w.lines, fmt.Sprintf("%s %d %d %d %d %d %o",
			path, st.Ctim.Sec, st.Mtim.Sec, st.Uid, st.Gid, st.Size, st.Mode))
	} else {
		w.lines = append(w.lines, fmt.Sprintf("%s %d %d %o",
			path, st.Uid, st.Gid, st.Mode))
	}
	return nil
}

func (w *Writer) FTSEntry(path string, info os.FileInfo) error {
	if st := fsutil.WalkStat(info); st != nil {
		return w.FileStat(path, st)
	}
	return w.File(path)
}

func (w *Writer) CpioFile(path string) error {
	return w.File(path)
}
