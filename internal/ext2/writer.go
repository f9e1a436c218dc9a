// Package ext2 implements the ext2 output writer: a sparse ext2 image
// holding the appliance filesystem, paired with a mini-initrd that can
// find and mount it at boot.
package ext2

import (
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/distr1/supermin/internal/ext2fs"
	"github.com/distr1/supermin/internal/fsutil"
	"github.com/distr1/supermin/internal/initrd"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// DefaultSize is the size of the appliance image.
const DefaultSize = 1 << 30 // 1 GiB

// Options configures the ext2 writer.
type Options struct {
	// Size of the appliance image in bytes; DefaultSize if zero.
	Size int64
	// Initrd configures the mini-initrd builder.
	Initrd initrd.Config
	// Mke2fs overrides the formatter binary (tests only).
	Mke2fs  string
	Verbose int
}

// Writer builds the ext2 appliance image.
type Writer struct {
	opts          Options
	appliancePath string
	fs            *ext2fs.FS
}

func NewWriter(opts Options) *Writer {
	if opts.Size == 0 {
		opts.Size = DefaultSize
	}
	return &Writer{opts: opts}
}

func (w *Writer) Start(hostcpu, appliancePath, modpath, initrdPath string) error {
	// The mini-initrd is built first: if the module graph is unusable
	// there is no point writing a 1 GiB image.
	if initrdPath != "" {
		if err := initrd.Build(&w.opts.Initrd, modpath, initrdPath); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(appliancePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return xerrors.Errorf("open %s: %w", appliancePath, err)
	}
	// Seek to the end and write one byte: the image stays sparse.
	if _, err := f.WriteAt([]byte{0}, w.opts.Size-1); err != nil {
		f.Close()
		return xerrors.Errorf("extend %s: %w", appliancePath, err)
	}
	if err := f.Close(); err != nil {
		return xerrors.Errorf("close %s: %w", appliancePath, err)
	}

	mke2fs := w.opts.Mke2fs
	if mke2fs == "" {
		mke2fs = "mke2fs"
	}
	args := []string{"-t", "ext2", "-F"}
	if w.opts.Verbose == 0 {
		args = append(args, "-q")
	}
	args = append(args, appliancePath)
	cmd := exec.Command(mke2fs, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return xerrors.Errorf("%v: %w", cmd.Args, err)
	}

	fs, err := ext2fs.Open(appliancePath)
	if err != nil {
		return err
	}
	if err := fs.ReadBitmaps(); err != nil {
		fs.Close()
		return err
	}
	w.appliancePath = appliancePath
	w.fs = fs
	return nil
}

func (w *Writer) End() error {
	return w.fs.Close()
}

func (w *Writer) File(path string) error {
	st, err := fsutil.Lstat(path)
	if err != nil {
		return err
	}
	return w.FileStat(path, st)
}

func (w *Writer) FTSEntry(path string, info os.FileInfo) error {
	if st := fsutil.WalkStat(info); st != nil {
		return w.FileStat(path, st)
	}
	return w.File(path)
}

// FileStat copies one host filesystem entry into the image at the same
// path. Directories are not copied recursively; the stream has already
// emitted the parents.
func (w *Writer) FileStat(path string, st *unix.Stat_t) error {
	if st.Mode&unix.S_IFMT == unix.S_IFREG {
		if err := w.preflight(path, st.Size); err != nil {
			return err
		}
	}

	dirIno, base, err := w.parent(path, true)
	if err != nil {
		return err
	}
	if base == "" { // the root directory always exists
		return nil
	}

	isDir := st.Mode&unix.S_IFMT == unix.S_IFDIR
	if err := w.cleanPath(dirIno, base, isDir); err != nil {
		return err
	}

	times := inodeTimes{
		ctime: uint32(st.Ctim.Sec),
		atime: uint32(st.Atim.Sec),
		mtime: uint32(st.Mtim.Sec),
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		ino, err := w.emptyInode(dirIno, base, st.Mode, st.Uid, st.Gid, times, 0, 0, ext2fs.FtRegFile)
		if err != nil {
			return err
		}
		if st.Size > 0 {
			if err := w.writeHostFile(ino, path); err != nil {
				return err
			}
		}
		return nil
	case unix.S_IFLNK:
		ino, err := w.emptyInode(dirIno, base, st.Mode, st.Uid, st.Gid, times, 0, 0, ext2fs.FtSymlink)
		if err != nil {
			return err
		}
		target, err := os.Readlink(path)
		if err != nil {
			return xerrors.Errorf("readlink %s: %w", path, err)
		}
		return w.fs.WriteFile(ino, []byte(target))
	case unix.S_IFDIR:
		return w.mkdir(dirIno, base, st.Mode, st.Uid, st.Gid, times)
	case unix.S_IFBLK:
		return w.mkspecial(dirIno, base, st, times, ext2fs.FtBlkdev)
	case unix.S_IFCHR:
		return w.mkspecial(dirIno, base, st, times, ext2fs.FtChrdev)
	case unix.S_IFIFO:
		return w.mkspecial(dirIno, base, st, times, ext2fs.FtFifo)
	case unix.S_IFSOCK:
		return w.mkspecial(dirIno, base, st, times, ext2fs.FtSock)
	default:
		return xerrors.Errorf("%s: unknown file type %o", path, st.Mode)
	}
}

func (w *Writer) mkspecial(dirIno uint32, base string, st *unix.Stat_t, times inodeTimes, ft int) error {
	major := uint32(unix.Major(uint64(st.Rdev)))
	minor := uint32(unix.Minor(uint64(st.Rdev)))
	_, err := w.emptyInode(dirIno, base, st.Mode, st.Uid, st.Gid, times, major, minor, ft)
	return err
}

// preflight fails early when the image or the backing device cannot hold
// a scheduled regular-file body.
func (w *Writer) preflight(path string, size int64) error {
	var fsst unix.Statfs_t
	if err := unix.Statfs(w.appliancePath, &fsst); err == nil {
		space := uint64(fsst.Bavail) * uint64(fsst.Bsize)
		estimate := uint64(128*1024 + 2*size)
		if space < estimate {
			return xerrors.Errorf("%s: backing device for %s has %d bytes free, need %d: %w",
				path, w.appliancePath, space, estimate, unix.ENOSPC)
		}
	}
	blocks := uint32((size + w.fs.BlockSize - 1) / w.fs.BlockSize)
	if blocks > w.fs.FreeBlocksCount() {
		return xerrors.Errorf("%s: needed %d blocks (%d bytes each) for %d bytes, available only %d: %w",
			path, blocks, w.fs.BlockSize, size, w.fs.FreeBlocksCount(), unix.ENOSPC)
	}
	return nil
}

// parent validates the destination path and resolves its parent directory
// inode. resolveSymlinks additionally resolves a parent that is a symlink
// to a directory against the host filesystem, because the image-side
// lookup does not follow symlinks in containing directories. The returned
// basename is "" for the root path.
func (w *Writer) parent(dest string, resolveSymlinks bool) (uint32, string, error) {
	n := len(dest)
	switch {
	case n == 0:
		return 0, "", xerrors.New("ext2: empty destination path")
	case dest[0] != '/':
		return 0, "", xerrors.Errorf("ext2: destination %q is not absolute", dest)
	case n > 1 && dest[n-1] == '/':
		return 0, "", xerrors.Errorf("ext2: destination %q has a trailing slash", dest)
	case n == 1:
		return ext2fs.RootIno, "", nil
	}

	idx := strings.LastIndexByte(dest, '/')
	dirname, base := dest[:idx], dest[idx+1:]
	if dirname == "" {
		return ext2fs.RootIno, base, nil
	}

	if resolveSymlinks {
		if st, err := os.Lstat(dirname); err == nil && st.Mode()&os.ModeSymlink != 0 {
			if target, err := os.Stat(dirname); err == nil && target.IsDir() {
				if resolved, err := filepath.EvalSymlinks(dirname); err == nil {
					dirname = resolved
				}
			}
		}
	}

	dirIno, err := w.fs.Namei(dirname)
	if err != nil {
		return 0, "", xerrors.Errorf("ext2: parent directory not found (dest=%s dirname=%s basename=%s): %w",
			dest, dirname, base, err)
	}
	return dirIno, base, nil
}

type inodeTimes struct {
	ctime, atime, mtime uint32
}

// linkExpand is ext2fs.Link with the expand-and-retry dance for a full
// parent directory.
func (w *Writer) linkExpand(dirIno uint32, name string, ino uint32, ft int) error {
	for {
		err := w.fs.Link(dirIno, name, ino, ft)
		if err != ext2fs.ErrDirNoSpace {
			return err
		}
		if err := w.fs.ExpandDir(dirIno); err != nil {
			return err
		}
	}
}

// emptyInode allocates and links a fresh inode with no data blocks. For
// device specials the device number is encoded into the first block
// pointer.
func (w *Writer) emptyInode(dirIno uint32, base string, mode, uid, gid uint32, times inodeTimes, major, minor uint32, ft int) (uint32, error) {
	ino, err := w.fs.NewInode(dirIno)
	if err != nil {
		return 0, err
	}
	inode := &ext2fs.Inode{
		Mode:       uint16(mode),
		UID:        uint16(uid),
		GID:        uint16(gid),
		LinksCount: 1,
		Ctime:      times.ctime,
		Atime:      times.atime,
		Mtime:      times.mtime,
	}
	inode.Block[0] = (minor & 0xff) | (major << 8) | ((minor &^ 0xff) << 12)
	if err := w.fs.WriteNewInode(ino, inode); err != nil {
		return 0, err
	}
	if err := w.linkExpand(dirIno, base, ino, ft); err != nil {
		return 0, err
	}
	w.fs.InodeAllocStats(ino, 1, false)
	return ino, nil
}

// writeHostFile copies a host file's contents into the image file ino.
// Unreadable host files are skipped with a warning, leaving the file
// empty: some distros ship files only root can read, and the appliance
// works without them.
func (w *Writer) writeHostFile(ino uint32, src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		log.Printf("supermin: warning: %s: %v (ignored)", src, err)
		return nil
	}
	return w.fs.WriteFile(ino, data)
}

// mkdir creates a directory, retrying through ExpandDir when the parent
// is full, then copies the final permissions and ownership onto the
// inode. An already existing directory is reused as-is.
func (w *Writer) mkdir(dirIno uint32, base string, mode, uid, gid uint32, times inodeTimes) error {
	if _, err := w.fs.Lookup(dirIno, base); err == nil {
		// The directory exists; this is legitimate (e.g. the skeleton and
		// a hostfiles list both carry /etc). Skip.
		return nil
	} else if err != ext2fs.ErrFileNotFound {
		return err
	}

	ino, err := w.fs.NewInode(dirIno)
	if err != nil {
		return err
	}
	for {
		err = w.fs.Mkdir(dirIno, ino, base)
		if err != ext2fs.ErrDirNoSpace {
			break
		}
		if err := w.fs.ExpandDir(dirIno); err != nil {
			return err
		}
	}
	if err != nil {
		return err
	}

	inode, err := w.fs.ReadInode(ino)
	if err != nil {
		return err
	}
	inode.Mode = uint16(ext2fs.ModeDir | (mode & 03777))
	inode.UID = uint16(uid)
	inode.GID = uint16(gid)
	inode.Ctime = times.ctime
	inode.Atime = times.atime
	inode.Mtime = times.mtime
	return w.fs.WriteInode(ino, inode)
}

// cleanPath unlinks an existing entry that is about to be overwritten.
// For regular files and other non-directories the link count drops and
// blocks are freed on the last reference. Overwriting an existing
// directory is left alone; nobody has needed a defined behaviour for it
// yet.
func (w *Writer) cleanPath(dirIno uint32, base string, isDir bool) error {
	ino, err := w.fs.Lookup(dirIno, base)
	if err == ext2fs.ErrFileNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if isDir {
		return nil
	}

	inode, err := w.fs.ReadInode(ino)
	if err != nil {
		return err
	}
	inode.LinksCount--
	if err := w.fs.WriteInode(ino, inode); err != nil {
		return err
	}
	if err := w.fs.Unlink(dirIno, base); err != nil {
		return err
	}
	if inode.LinksCount == 0 {
		inode.Dtime = uint32(time.Now().Unix())
		if err := w.fs.WriteInode(ino, inode); err != nil {
			return err
		}
		if inode.HasValidBlocks() {
			if err := w.fs.ReleaseBlocks(inode); err != nil {
				return err
			}
		}
		w.fs.InodeAllocStats(ino, -1, false)
	}
	return nil
}
