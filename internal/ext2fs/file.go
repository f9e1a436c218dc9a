package ext2fs

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

// addBlock maps blk at the logical block index idx of the inode's block
// map, allocating indirect blocks as needed. Indirect blocks it allocates
// are accounted to inode.Blocks; the data block itself is the caller's to
// account.
func (fs *FS) addBlock(inode *Inode, idx, blk uint32) error {
	ppb := uint32(fs.BlockSize / 4)
	sectorsPerBlock := uint32(fs.BlockSize / 512)

	if idx < 12 {
		inode.Block[idx] = blk
		return nil
	}
	idx -= 12

	allocIndirect := func() (uint32, error) {
		ind, err := fs.allocBlock()
		if err != nil {
			return 0, err
		}
		if err := fs.WriteBlock(ind, nil); err != nil {
			return 0, err
		}
		inode.Blocks += sectorsPerBlock
		return ind, nil
	}

	if idx < ppb {
		if inode.Block[12] == 0 {
			ind, err := allocIndirect()
			if err != nil {
				return err
			}
			inode.Block[12] = ind
		}
		buf, err := fs.ReadBlock(inode.Block[12])
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(buf[idx*4:], blk)
		return fs.WriteBlock(inode.Block[12], buf)
	}
	idx -= ppb

	if idx < ppb*ppb {
		if inode.Block[13] == 0 {
			dind, err := allocIndirect()
			if err != nil {
				return err
			}
			inode.Block[13] = dind
		}
		dbuf, err := fs.ReadBlock(inode.Block[13])
		if err != nil {
			return err
		}
		slot := idx / ppb
		ind := binary.LittleEndian.Uint32(dbuf[slot*4:])
		if ind == 0 {
			var err error
			ind, err = allocIndirect()
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(dbuf[slot*4:], ind)
			if err := fs.WriteBlock(inode.Block[13], dbuf); err != nil {
				return err
			}
		}
		buf, err := fs.ReadBlock(ind)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(buf[(idx%ppb)*4:], blk)
		return fs.WriteBlock(ind, buf)
	}

	return xerrors.Errorf("ext2fs: file too large for block map (logical block %d)", idx)
}

// WriteFile writes data as the complete contents of the file inode. The
// write happens in one call; there are no partial writes. The inode's size
// and block count are updated.
func (fs *FS) WriteFile(ino uint32, data []byte) error {
	inode, err := fs.ReadInode(ino)
	if err != nil {
		return err
	}
	sectorsPerBlock := uint32(fs.BlockSize / 512)
	nblocks := (int64(len(data)) + fs.BlockSize - 1) / fs.BlockSize
	for i := int64(0); i < nblocks; i++ {
		blk, err := fs.allocBlock()
		if err != nil {
			return err
		}
		end := (i + 1) * fs.BlockSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if err := fs.WriteBlock(blk, data[i*fs.BlockSize:end]); err != nil {
			return err
		}
		if err := fs.addBlock(inode, uint32(i), blk); err != nil {
			return err
		}
		inode.Blocks += sectorsPerBlock
	}
	inode.Size = uint32(len(data))
	return fs.WriteInode(ino, inode)
}

// ReadFile returns the complete contents of a regular file or symlink
// inode.
func (fs *FS) ReadFile(ino uint32) ([]byte, error) {
	inode, err := fs.ReadInode(ino)
	if err != nil {
		return nil, err
	}
	if !inode.HasValidBlocks() {
		return nil, xerrors.Errorf("ext2fs: inode %d has no file contents", ino)
	}
	data := make([]byte, 0, inode.Size)
	remaining := int64(inode.Size)
	appendBlock := func(blk uint32) error {
		if remaining <= 0 {
			return nil
		}
		buf, err := fs.ReadBlock(blk)
		if err != nil {
			return err
		}
		n := remaining
		if n > fs.BlockSize {
			n = fs.BlockSize
		}
		data = append(data, buf[:n]...)
		remaining -= n
		return nil
	}
	if err := fs.forEachDataBlock(inode, appendBlock); err != nil {
		return nil, err
	}
	if remaining > 0 {
		return nil, xerrors.Errorf("ext2fs: inode %d: block map shorter than size", ino)
	}
	return data, nil
}

// forEachDataBlock visits the data blocks of an inode in logical order,
// skipping zero (unmapped) block pointers (the builder never creates
// sparse files).
func (fs *FS) forEachDataBlock(inode *Inode, fn func(blk uint32) error) error {
	visitIndirect := func(ind uint32) error {
		if ind == 0 {
			return nil
		}
		buf, err := fs.ReadBlock(ind)
		if err != nil {
			return err
		}
		for off := 0; off < len(buf); off += 4 {
			blk := binary.LittleEndian.Uint32(buf[off:])
			if blk == 0 {
				continue
			}
			if err := fn(blk); err != nil {
				return err
			}
		}
		return nil
	}
	for i := 0; i < 12; i++ {
		if inode.Block[i] == 0 {
			continue
		}
		if err := fn(inode.Block[i]); err != nil {
			return err
		}
	}
	if err := visitIndirect(inode.Block[12]); err != nil {
		return err
	}
	if dind := inode.Block[13]; dind != 0 {
		buf, err := fs.ReadBlock(dind)
		if err != nil {
			return err
		}
		for off := 0; off < len(buf); off += 4 {
			if err := visitIndirect(binary.LittleEndian.Uint32(buf[off:])); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReleaseBlocks frees every block referenced by the inode, including the
// indirect blocks themselves. Used when the last link to a file goes away.
func (fs *FS) ReleaseBlocks(inode *Inode) error {
	if !inode.HasValidBlocks() {
		return nil
	}
	release := func(blk uint32) error {
		fs.BlockAllocStats(blk, -1)
		return nil
	}
	if err := fs.forEachDataBlock(inode, release); err != nil {
		return err
	}
	if inode.Block[12] != 0 {
		fs.BlockAllocStats(inode.Block[12], -1)
	}
	if dind := inode.Block[13]; dind != 0 {
		buf, err := fs.ReadBlock(dind)
		if err != nil {
			return err
		}
		for off := 0; off < len(buf); off += 4 {
			if ind := binary.LittleEndian.Uint32(buf[off:]); ind != 0 {
				fs.BlockAllocStats(ind, -1)
			}
		}
		fs.BlockAllocStats(dind, -1)
	}
	return nil
}
