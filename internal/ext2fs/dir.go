package ext2fs

import (
	"encoding/binary"
	"strings"

	"golang.org/x/xerrors"
)

// Directory entries are packed into the directory's data blocks:
// inode(4) rec_len(2) name_len(1) file_type(1) name, with rec_len padding
// every entry to a 4-byte boundary and the last entry of each block
// stretching to the block end.

const direntHeaderSize = 8

func direntSize(nameLen int) int {
	return (direntHeaderSize + nameLen + 3) &^ 3
}

// dirBlocks returns the data blocks of a directory in logical order.
func (fs *FS) dirBlocks(inode *Inode) ([]uint32, error) {
	var blks []uint32
	add := func(blk uint32) {
		if blk != 0 {
			blks = append(blks, blk)
		}
	}
	for i := 0; i < 12; i++ {
		add(inode.Block[i])
	}
	if ind := inode.Block[12]; ind != 0 {
		buf, err := fs.ReadBlock(ind)
		if err != nil {
			return nil, err
		}
		for off := 0; off < len(buf); off += 4 {
			add(binary.LittleEndian.Uint32(buf[off:]))
		}
	}
	// Directories larger than 12+blocksize/4 blocks would need the double
	// indirect block; appliance directory fan-out never gets there.
	return blks, nil
}

// Lookup finds name in the directory dirIno and returns its inode.
func (fs *FS) Lookup(dirIno uint32, name string) (uint32, error) {
	dir, err := fs.ReadInode(dirIno)
	if err != nil {
		return 0, err
	}
	if !dir.IsDir() {
		return 0, xerrors.Errorf("ext2fs: inode %d is not a directory", dirIno)
	}
	blks, err := fs.dirBlocks(dir)
	if err != nil {
		return 0, err
	}
	for _, blk := range blks {
		buf, err := fs.ReadBlock(blk)
		if err != nil {
			return 0, err
		}
		le := binary.LittleEndian
		for off := 0; off+direntHeaderSize <= len(buf); {
			ino := le.Uint32(buf[off:])
			recLen := int(le.Uint16(buf[off+4:]))
			nameLen := int(buf[off+6])
			if recLen < direntHeaderSize {
				return 0, xerrors.Errorf("ext2fs: corrupt directory entry in inode %d", dirIno)
			}
			if ino != 0 && nameLen > 0 && off+direntHeaderSize+nameLen <= len(buf) {
				if string(buf[off+direntHeaderSize:off+direntHeaderSize+nameLen]) == name {
					return ino, nil
				}
			}
			off += recLen
		}
	}
	return 0, ErrFileNotFound
}

// Namei resolves a /-separated path relative to the root directory.
// Symlinks are not followed: callers that need symlink resolution in
// containing directories resolve them against the host first.
func (fs *FS) Namei(path string) (uint32, error) {
	path = strings.Trim(path, "/")
	ino := uint32(RootIno)
	if path == "" {
		return ino, nil
	}
	for _, comp := range strings.Split(path, "/") {
		next, err := fs.Lookup(ino, comp)
		if err != nil {
			return 0, xerrors.Errorf("ext2fs: namei %s (component %q): %w", path, comp, err)
		}
		ino = next
	}
	return ino, nil
}

// Link adds a directory entry for name pointing at ino. ft is one of the
// Ft* constants; it is recorded only on filesystems with the filetype
// feature. Returns ErrDirNoSpace when no block of the directory can hold
// the entry.
func (fs *FS) Link(dirIno uint32, name string, ino uint32, ft int) error {
	if name == "" || len(name) > 255 {
		return xerrors.Errorf("ext2fs: invalid entry name %q", name)
	}
	dir, err := fs.ReadInode(dirIno)
	if err != nil {
		return err
	}
	blks, err := fs.dirBlocks(dir)
	if err != nil {
		return err
	}
	need := direntSize(len(name))
	le := binary.LittleEndian
	for _, blk := range blks {
		buf, err := fs.ReadBlock(blk)
		if err != nil {
			return err
		}
		for off := 0; off+direntHeaderSize <= len(buf); {
			entIno := le.Uint32(buf[off:])
			recLen := int(le.Uint16(buf[off+4:]))
			nameLen := int(buf[off+6])
			if recLen < direntHeaderSize {
				return xerrors.Errorf("ext2fs: corrupt directory entry in inode %d", dirIno)
			}
			used := 0
			if entIno != 0 {
				used = direntSize(nameLen)
			}
			if recLen-used >= need {
				// Either reuse an empty entry or split the slack of a
				// used one.
				newOff := off + used
				newLen := recLen - used
				if used > 0 {
					le.PutUint16(buf[off+4:], uint16(used))
				}
				le.PutUint32(buf[newOff:], ino)
				le.PutUint16(buf[newOff+4:], uint16(newLen))
				buf[newOff+6] = byte(len(name))
				if fs.filetype {
					buf[newOff+7] = byte(ft)
				} else {
					buf[newOff+7] = 0
				}
				copy(buf[newOff+direntHeaderSize:], name)
				return fs.WriteBlock(blk, buf)
			}
			off += recLen
		}
	}
	return ErrDirNoSpace
}

// Unlink removes the entry for name from the directory. The inode itself
// is not touched; link-count bookkeeping is the caller's job.
func (fs *FS) Unlink(dirIno uint32, name string) error {
	dir, err := fs.ReadInode(dirIno)
	if err != nil {
		return err
	}
	blks, err := fs.dirBlocks(dir)
	if err != nil {
		return err
	}
	le := binary.LittleEndian
	for _, blk := range blks {
		buf, err := fs.ReadBlock(blk)
		if err != nil {
			return err
		}
		prev := -1
		for off := 0; off+direntHeaderSize <= len(buf); {
			entIno := le.Uint32(buf[off:])
			recLen := int(le.Uint16(buf[off+4:]))
			nameLen := int(buf[off+6])
			if recLen < direntHeaderSize {
				return xerrors.Errorf("ext2fs: corrupt directory entry in inode %d", dirIno)
			}
			if entIno != 0 && nameLen > 0 && off+direntHeaderSize+nameLen <= len(buf) &&
				string(buf[off+direntHeaderSize:off+direntHeaderSize+nameLen]) == name {
				if prev >= 0 {
					// Merge into the previous entry.
					prevLen := int(le.Uint16(buf[prev+4:]))
					le.PutUint16(buf[prev+4:], uint16(prevLen+recLen))
				} else {
					le.PutUint32(buf[off:], 0)
				}
				return fs.WriteBlock(blk, buf)
			}
			prev = off
			off += recLen
		}
	}
	return ErrFileNotFound
}

// Mkdir creates a directory entry name in parent pointing at the
// preallocated inode ino, with a fresh data block containing "." and "..".
// Returns ErrDirNoSpace if the parent is full (expand and retry). mode,
// ownership and times are the caller's to set afterwards via
// ReadInode/WriteInode.
func (fs *FS) Mkdir(parent, ino uint32, name string) error {
	// Insert the entry into the parent first so that a full parent fails
	// before any allocation happens.
	if err := fs.Link(parent, name, ino, FtDir); err != nil {
		return err
	}

	blk, err := fs.allocBlock()
	if err != nil {
		return err
	}
	buf := make([]byte, fs.BlockSize)
	le := binary.LittleEndian
	// "."
	le.PutUint32(buf[0:], ino)
	le.PutUint16(buf[4:], 12)
	buf[6] = 1
	if fs.filetype {
		buf[7] = FtDir
	}
	copy(buf[8:], ".")
	// ".." stretches to the end of the block.
	le.PutUint32(buf[12:], parent)
	le.PutUint16(buf[16:], uint16(fs.BlockSize-12))
	buf[18] = 2
	if fs.filetype {
		buf[19] = FtDir
	}
	copy(buf[20:], "..")
	if err := fs.WriteBlock(blk, buf); err != nil {
		return err
	}

	inode := &Inode{
		Mode:       ModeDir | 0755,
		LinksCount: 2, // "." and the parent entry
		Size:       uint32(fs.BlockSize),
		Blocks:     uint32(fs.BlockSize / 512),
	}
	inode.Block[0] = blk
	if err := fs.WriteNewInode(ino, inode); err != nil {
		return err
	}
	fs.InodeAllocStats(ino, 1, true)

	// ".." adds a link to the parent.
	pInode, err := fs.ReadInode(parent)
	if err != nil {
		return err
	}
	pInode.LinksCount++
	return fs.WriteInode(parent, pInode)
}

// ExpandDir appends an empty data block to a directory that has run out of
// entry space.
func (fs *FS) ExpandDir(dirIno uint32) error {
	dir, err := fs.ReadInode(dirIno)
	if err != nil {
		return err
	}
	blk, err := fs.allocBlock()
	if err != nil {
		return err
	}
	buf := make([]byte, fs.BlockSize)
	binary.LittleEndian.PutUint16(buf[4:], uint16(fs.BlockSize)) // one empty entry
	if err := fs.WriteBlock(blk, buf); err != nil {
		return err
	}
	if err := fs.addBlock(dir, uint32(int64(dir.Size)/int64(fs.BlockSize)), blk); err != nil {
		return err
	}
	dir.Size += uint32(fs.BlockSize)
	dir.Blocks += uint32(fs.BlockSize / 512)
	return fs.WriteInode(dirIno, dir)
}
