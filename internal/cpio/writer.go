// Package cpio reads and writes the newc ("new ASCII", magic 070701) cpio
// format, the only archive format the Linux kernel accepts as an initramfs.
// The writer emits appliance entries directly from host stat data; the
// reader exposes the raw inode/device fields needed to reassemble hard
// links when grafting a skeleton archive into an ext2 image.
package cpio

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const (
	magic     = "070701"
	oldMagic  = "070707"
	headerLen = 6 + 13*8
	// Trailer records end every archive; the kernel also accepts them
	// between concatenated archives.
	trailerName = "TRAILER!!!"

	copyBufSize = 65536
)

// Writer emits a stream of concatenated newc records. Hard links are not
// deduplicated: each appearance writes its own record, which the kernel
// unpacker tolerates.
type Writer struct {
	w      io.Writer
	offset int64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) write(p []byte) error {
	n, err := w.w.Write(p)
	w.offset += int64(n)
	if err != nil {
		return xerrors.Errorf("write: %w", err)
	}
	return nil
}

var zeroes [512]byte

func (w *Writer) pad(n int64) error {
	for n > 0 {
		chunk := n
		if chunk > int64(len(zeroes)) {
			chunk = int64(len(zeroes))
		}
		if err := w.write(zeroes[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// padding returns how many bytes are needed to bring len up to a 4-byte
// boundary.
func padding(len int64) int64 {
	return ((len + 3) &^ 3) - len
}

// Append lstats path and appends it to the archive.
func (w *Writer) Append(path string) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return xerrors.Errorf("lstat %s: %w", path, err)
	}
	return w.AppendStat(path, &st)
}

// AppendStat appends one entry using the provided stat data. The archive
// name is the appliance-relative path: the leading / is removed and the
// root path becomes ".".
func (w *Writer) AppendStat(path string, st *unix.Stat_t) error {
	name := path
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	if name == "" {
		name = "."
	}

	var (
		filesize int64
		target   string
	)
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		filesize = st.Size
	case unix.S_IFLNK:
		t, err := os.Readlink(path)
		if err != nil {
			return xerrors.Errorf("readlink %s: %w", path, err)
		}
		target = t
		filesize = int64(len(t))
	}

	if err := w.writeHeader(name, st, filesize); err != nil {
		return err
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		if err := w.copyBody(path, st.Size); err != nil {
			return err
		}
	case unix.S_IFLNK:
		if err := w.write([]byte(target)); err != nil {
			return err
		}
	default:
		return nil
	}
	return w.pad(padding(filesize))
}

func (w *Writer) writeHeader(name string, st *unix.Stat_t, filesize int64) error {
	namesize := int64(len(name)) + 1 // including the NUL byte
	hdr := fmt.Sprintf(magic+
		"%08X"+ // inode
		"%08X"+ // mode
		"%08X%08X"+ // uid, gid
		"%08X"+ // nlink
		"%08X"+ // mtime
		"%08X"+ // file length
		"%08X%08X"+ // device holding file major, minor
		"%08X%08X"+ // for specials, device major, minor
		"%08X"+ // name length (including NUL byte)
		"%08X", // checksum (not used by the kernel)
		uint32(st.Ino), st.Mode,
		st.Uid, st.Gid,
		uint32(st.Nlink), uint32(st.Mtim.Sec),
		uint32(filesize),
		unix.Major(uint64(st.Dev)), unix.Minor(uint64(st.Dev)),
		unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)),
		uint32(namesize), 0)
	if err := w.write([]byte(hdr)); err != nil {
		return err
	}
	if err := w.write(append([]byte(name), 0)); err != nil {
		return err
	}
	return w.pad(padding(headerLen + namesize))
}

// copyBody copies exactly size bytes of the file into the archive. The
// header has already committed to size, so a file that changed length
// between stat and copy corrupts the stream and must fail the build.
func (w *Writer) copyBody(path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return xerrors.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	buf := make([]byte, copyBufSize)
	var count int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if err := w.write(buf[:n]); err != nil {
				return err
			}
			count += int64(n)
			if count > size {
				return xerrors.Errorf("%s: file has increased in size", path)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return xerrors.Errorf("read %s: %w", path, err)
		}
	}
	if count != size {
		return xerrors.Errorf("%s: file has changed size", path)
	}
	return nil
}

// AppendArchive copies an existing newc archive verbatim into the output.
// The kernel reads concatenated archives, so the embedded trailer (if any)
// is harmless.
func (w *Writer) AppendArchive(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return xerrors.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	buf := make([]byte, copyBufSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if err := w.write(buf[:n]); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("read %s: %w", path, err)
		}
	}
}

// Trailer writes the TRAILER!!! record and pads the archive to a 512-byte
// block boundary, finishing the stream.
func (w *Writer) Trailer() error {
	var st unix.Stat_t
	st.Nlink = 1
	if err := w.writeHeader(trailerName, &st, 0); err != nil {
		return err
	}
	return w.pad(((w.offset + 511) &^ 511) - w.offset)
}

// Offset returns the number of bytes written so far.
func (w *Writer) Offset() int64 {
	return w.offset
}
