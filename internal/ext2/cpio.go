package ext2

import (
	"io"

	"github.com/distr1/supermin/internal/cpio"
	"github.com/distr1/supermin/internal/ext2fs"
	"golang.org/x/xerrors"
)

// linkKey identifies a hard-link group across one newc stream: the
// archive's inode plus the device it was recorded from.
type linkKey struct {
	ino      uint32
	devMajor uint32
	devMinor uint32
}

// CpioFile unpacks a newc skeleton archive into the image, doing the same
// job as the kernel's initramfs unpacker: entries land at their recorded
// paths, and records sharing (ino, dev) become hard links to one inode.
// The hard-link table lives for exactly one archive; the reader ends the
// stream at the trailer.
func (w *Writer) CpioFile(path string) error {
	r, f, err := cpio.OpenReader(path)
	if err != nil {
		return err
	}
	defer f.Close()

	links := make(map[linkKey]uint32)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("cpio %s: %w", path, err)
		}
		if err := w.graft(rec, links); err != nil {
			return xerrors.Errorf("cpio %s: %s: %w", path, rec.Name, err)
		}
	}
}

// graft grafts one archive record into the image.
func (w *Writer) graft(rec *cpio.Record, links map[linkKey]uint32) error {
	dest := "/" + rec.Name
	dirIno, base, err := w.parent(dest, false)
	if err != nil {
		return err
	}
	if base == "" {
		return nil
	}

	isDir := rec.Mode&ext2fs.ModeFmt == ext2fs.ModeDir
	if err := w.cleanPath(dirIno, base, isDir); err != nil {
		return err
	}

	times := inodeTimes{ctime: rec.Mtime, atime: rec.Mtime, mtime: rec.Mtime}
	key := linkKey{ino: rec.Ino, devMajor: rec.DevMajor, devMinor: rec.DevMinor}

	switch rec.Mode & ext2fs.ModeFmt {
	case ext2fs.ModeRegular:
		// Same rules as for host files: fail fast when the image or the
		// backing device cannot hold the body.
		if len(rec.Body) > 0 {
			if err := w.preflight(dest, int64(len(rec.Body))); err != nil {
				return err
			}
		}
		var ino uint32
		if rec.Nlink >= 2 {
			if real, ok := links[key]; ok {
				// A subsequent appearance of a hard link: add a name for
				// the existing inode rather than allocating a new one.
				if err := w.linkExpand(dirIno, base, real, ext2fs.FtRegFile); err != nil {
					return err
				}
				inode, err := w.fs.ReadInode(real)
				if err != nil {
					return err
				}
				inode.LinksCount++
				if err := w.fs.WriteInode(real, inode); err != nil {
					return err
				}
				ino = real
			} else {
				ino, err = w.emptyInode(dirIno, base, rec.Mode, rec.UID, rec.GID, times, 0, 0, ext2fs.FtRegFile)
				if err != nil {
					return err
				}
				links[key] = ino
			}
		} else {
			ino, err = w.emptyInode(dirIno, base, rec.Mode, rec.UID, rec.GID, times, 0, 0, ext2fs.FtRegFile)
			if err != nil {
				return err
			}
		}
		if len(rec.Body) > 0 {
			return w.fs.WriteFile(ino, rec.Body)
		}
		return nil

	case ext2fs.ModeSymlink:
		ino, err := w.emptyInode(dirIno, base, rec.Mode, rec.UID, rec.GID, times, 0, 0, ext2fs.FtSymlink)
		if err != nil {
			return err
		}
		return w.fs.WriteFile(ino, rec.Body)

	case ext2fs.ModeDir:
		return w.mkdir(dirIno, base, rec.Mode, rec.UID, rec.GID, times)

	case ext2fs.ModeBlkdev, ext2fs.ModeChrdev, ext2fs.ModeFifo, ext2fs.ModeSocket:
		// Just like the kernel, specials with nlink > 1 are dropped: a
		// device node has no contents to share anyway.
		if rec.Nlink >= 2 {
			return nil
		}
		ft := ext2fs.FtBlkdev
		switch rec.Mode & ext2fs.ModeFmt {
		case ext2fs.ModeChrdev:
			ft = ext2fs.FtChrdev
		case ext2fs.ModeFifo:
			ft = ext2fs.FtFifo
		case ext2fs.ModeSocket:
			ft = ext2fs.FtSock
		}
		_, err := w.emptyInode(dirIno, base, rec.Mode, rec.UID, rec.GID, times,
			rec.RdevMajor, rec.RdevMinor, ft)
		return err

	default:
		return xerrors.Errorf("unknown file type %o in archive", rec.Mode)
	}
}
