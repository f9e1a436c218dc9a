package fsutil

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Lstat returns the raw stat data for path without following symlinks.
func Lstat(path string) (*unix.Stat_t, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return nil, xerrors.Errorf("lstat %s: %w", path, err)
	}
	return &st, nil
}

// WalkStat extracts the raw stat data from a FileInfo produced by a
// directory walk, or nil if the walk did not carry one (the caller then
// falls back to an explicit lstat).
func WalkStat(info os.FileInfo) *unix.Stat_t {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	return &unix.Stat_t{
		Dev:     st.Dev,
		Ino:     st.Ino,
		Nlink:   st.Nlink,
		Mode:    st.Mode,
		Uid:     st.Uid,
		Gid:     st.Gid,
		Rdev:    st.Rdev,
		Size:    st.Size,
		Blksize: st.Blksize,
		Blocks:  st.Blocks,
		Atim:    unix.Timespec{Sec: st.Atim.Sec, Nsec: st.Atim.Nsec},
		Mtim:    unix.Timespec{Sec: st.Mtim.Sec, Nsec: st.Mtim.Nsec},
		Ctim:    unix.Timespec{Sec: st.Ctim.Sec, Nsec: st.Ctim.Nsec},
	}
}
