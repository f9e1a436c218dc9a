package appliance

import (
	"os"

	"github.com/distr1/supermin/internal/cpio"
	"github.com/distr1/supermin/internal/fsutil"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// CpioWriter emits the appliance as one newc-cpio stream: the format the
// kernel boots directly as an initramfs. Skeleton archives are passed
// through byte for byte; host files and kernel modules are appended as
// fresh records.
type CpioWriter struct {
	f *os.File
	w *cpio.Writer
}

func NewCpioWriter() *CpioWriter {
	return &CpioWriter{}
}

func (c *CpioWriter) Start(hostcpu, appliancePath, modpath, initrdPath string) error {
	f, err := os.OpenFile(initrdPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return xerrors.Errorf("open %s: %w", initrdPath, err)
	}
	c.f = f
	c.w = cpio.NewWriter(f)
	return nil
}

func (c *CpioWriter) End() error {
	if err := c.w.Trailer(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}

func (c *CpioWriter) File(path string) error {
	return c.w.Append(path)
}

func (c *CpioWriter) FileStat(path string, st *unix.Stat_t) error {
	return c.w.AppendStat(path, st)
}

func (c *CpioWriter) FTSEntry(path string, info os.FileInfo) error {
	if st := fsutil.WalkStat(info); st != nil {
		return c.FileStat(path, st)
	}
	return c.File(path)
}

func (c *CpioWriter) CpioFile(path string) error {
	return c.w.AppendArchive(path)
}
