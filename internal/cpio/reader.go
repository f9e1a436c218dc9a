package cpio

import (
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

const pathMax = 4096

// Record is one parsed newc entry. The inode and device numbers are the
// values recorded in the archive, not host values: together they identify
// hard-link groups across the stream.
type Record struct {
	Name  string // sanitised: no leading "./" or "/"
	Ino   uint32
	Mode  uint32
	UID   uint32
	GID   uint32
	Nlink uint32
	Mtime uint32

	DevMajor  uint32
	DevMinor  uint32
	RdevMajor uint32
	RdevMinor uint32

	// Body holds the file or symlink content. Nil for other types.
	Body []byte
}

// Reader parses an uncompressed newc stream the way the kernel's
// init/initramfs.c does: headers are found at 4-byte-aligned offsets,
// zero padding between records is skipped, and records that fail sanity
// checks (oversized names, bodies on non-files) are silently dropped.
type Reader struct {
	r    io.Reader
	curr int64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// OpenReader opens path for parsing. The caller owns closing the file.
func OpenReader(path string) (*Reader, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, xerrors.Errorf("open %s: %w", path, err)
	}
	return NewReader(f), f, nil
}

func (r *Reader) read(p []byte) error {
	n, err := io.ReadFull(r.r, p)
	r.curr += int64(n)
	return err
}

// nAlign is the kernel's N_ALIGN: the name field is padded so that the
// following body starts on a 4-byte boundary relative to the 110-byte
// header.
func nAlign(nameLen int64) int64 {
	return ((nameLen + 1) &^ 3) + 2
}

// Next returns the next usable record. It returns io.EOF at the
// TRAILER!!! record or at the end of the stream.
func (r *Reader) Next() (*Record, error) {
	for {
		rec, done, err := r.next()
		if err != nil {
			return nil, err
		}
		if done {
			return nil, io.EOF
		}
		if rec != nil {
			return rec, nil
		}
		// Record was skipped; keep going.
	}
}

func (r *Reader) next() (*Record, bool, error) {
	var header [110]byte

	// Skip zero padding and synchronize with the next header.
	for {
		if err := r.read(header[:4]); err != nil {
			if err == io.EOF {
				return nil, true, nil
			}
			return nil, false, xerrors.Errorf("read cpio header: %w", err)
		}
		if header[0] != 0 || header[1] != 0 || header[2] != 0 || header[3] != 0 {
			break
		}
	}
	if err := r.read(header[4:]); err != nil {
		return nil, false, xerrors.Errorf("read cpio header: %w", err)
	}

	switch string(header[:6]) {
	case oldMagic:
		return nil, false, xerrors.New("incorrect cpio method: use -H newc option")
	case magic:
	default:
		return nil, false, xerrors.New("input is not a cpio file")
	}

	var fields [12]uint64
	for i := range fields {
		v, err := strconv.ParseUint(string(header[6+i*8:6+(i+1)*8]), 16, 32)
		if err != nil {
			return nil, false, xerrors.Errorf("malformed cpio header field %d: %w", i, err)
		}
		fields[i] = v
	}
	rec := &Record{
		Ino:       uint32(fields[0]),
		Mode:      uint32(fields[1]),
		UID:       uint32(fields[2]),
		GID:       uint32(fields[3]),
		Nlink:     uint32(fields[4]),
		Mtime:     uint32(fields[5]),
		DevMajor:  uint32(fields[7]),
		DevMinor:  uint32(fields[8]),
		RdevMajor: uint32(fields[9]),
		RdevMinor: uint32(fields[10]),
	}
	bodyLen := int64(fields[6])
	nameLen := int64(fields[11])

	nextHeader := r.curr + nAlign(nameLen) + bodyLen
	nextHeader = (nextHeader + 3) &^ 3

	if nameLen <= 0 || nameLen > pathMax {
		return nil, false, r.skipTo(nextHeader)
	}

	nameBuf := make([]byte, nAlign(nameLen))
	if err := r.read(nameBuf); err != nil {
		return nil, false, xerrors.Errorf("read cpio name: %w", err)
	}
	name := string(nameBuf[:nameLen-1])

	if name == trailerName {
		return nil, true, nil
	}

	// The name is something like "bin/ls" or "./bin/ls"; it is never an
	// absolute path in practice, but strip a leading / anyway. A name
	// referring to the root directory is skipped entirely.
	if name == "." {
		name = ""
	}
	name = strings.TrimPrefix(name, "./")
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return nil, false, r.skipTo(nextHeader)
	}
	rec.Name = name

	isLnk := rec.Mode&modeMask == modeLink
	isReg := rec.Mode&modeMask == modeReg
	switch {
	case isLnk && (bodyLen <= 0 || bodyLen > pathMax):
		return nil, false, r.skipTo(nextHeader)
	case !isReg && !isLnk && bodyLen > 0:
		// Only regular files and symlinks have bodies.
		return nil, false, r.skipTo(nextHeader)
	case isReg || isLnk:
		if bodyLen > 0 {
			rec.Body = make([]byte, bodyLen)
			if err := r.read(rec.Body); err != nil {
				return nil, false, xerrors.Errorf("read cpio body of %s: %w", name, err)
			}
		} else if isReg {
			rec.Body = []byte{}
		}
	}
	return rec, false, r.skipTo(nextHeader)
}

const (
	modeMask = 0170000
	modeReg  = 0100000
	modeLink = 0120000
)

// skipTo discards input up to the given absolute stream offset.
func (r *Reader) skipTo(offset int64) error {
	if offset < r.curr {
		return xerrors.Errorf("cpio offset went backwards (%d < %d)", offset, r.curr)
	}
	n, err := io.CopyN(io.Discard, r.r, offset-r.curr)
	r.curr += n
	if err != nil && err != io.EOF {
		return xerrors.Errorf("seek in cpio file: %w", err)
	}
	return nil
}
