// Package kernel picks the host kernel to boot the appliance with and
// locates the matching module directory.
package kernel

import (
	"encoding/binary"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/distr1/supermin"
	"github.com/distr1/supermin/internal/fsutil"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// Config controls kernel selection. The zero value selects from /boot and
// /lib/modules for the current host CPU.
type Config struct {
	// HostCPU is the uname machine name to match kernels against
	// (e.g. "x86_64"). Empty means the running machine.
	HostCPU string
	// CopyKernel copies the chosen kernel to the output path instead of
	// symlinking it.
	CopyKernel bool
	// KernelDir and ModulesDir default to /boot and /lib/modules.
	KernelDir  string
	ModulesDir string
	Verbose    int
}

func (c *Config) kernelDir() string {
	if c.KernelDir != "" {
		return c.KernelDir
	}
	return "/boot"
}

func (c *Config) modulesDir() string {
	if c.ModulesDir != "" {
		return c.ModulesDir
	}
	return "/lib/modules"
}

func (c *Config) hostCPU() string {
	if c.HostCPU != "" {
		return c.HostCPU
	}
	return supermin.HostCPU()
}

// Create chooses the newest installed kernel whose modules exist on disk,
// symlinks or copies it to output (unless output is empty), and returns
// the module directory path.
//
// The environment variables SUPERMIN_KERNEL and SUPERMIN_MODULES override
// the selection.
func Create(cfg *Config, output string) (string, error) {
	if kernelEnv := os.Getenv("SUPERMIN_KERNEL"); kernelEnv != "" {
		return cfg.createFromEnv(kernelEnv, os.Getenv("SUPERMIN_MODULES"), output)
	}

	hostcpu := cfg.hostCPU()
	patt := "vmlinuz-*." + hostcpu + "*"
	if supermin.IsX86(hostcpu) {
		patt = "vmlinuz-*.i?86*"
	}

	allFiles := fsutil.ReadDir(cfg.kernelDir())
	candidates, err := cfg.filterCandidates(allFiles, patt)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		// Some distros do not append the architecture to the kernel name.
		candidates, err = cfg.filterCandidates(allFiles, "vmlinuz-*")
		if err != nil {
			return "", err
		}
		if len(candidates) == 0 {
			return "", xerrors.Errorf("failed to find a suitable kernel in %s (modules in %s)",
				cfg.kernelDir(), cfg.modulesDir())
		}
	}

	// Newest first.
	supermin.ReverseFilevercmpSort(candidates)
	chosen := candidates[0]
	if cfg.Verbose > 0 {
		log.Printf("supermin: picked kernel %s", chosen)
	}

	if output != "" {
		if err := cfg.copyOrSymlink(filepath.Join(cfg.kernelDir(), chosen), output); err != nil {
			return "", err
		}
	}
	return cfg.modpath(chosen), nil
}

func (c *Config) filterCandidates(files []string, patt string) ([]string, error) {
	candidates, err := fsutil.FilterFnmatch(files, patt)
	if err != nil {
		return nil, err
	}
	candidates = fsutil.FilterNotMatchingSubstring(candidates, "xen")
	return fsutil.Filter(candidates, c.hasModpath), nil
}

// modpath returns the module directory for a kernel named vmlinuz-<rest>:
// normally /lib/modules/<rest>, otherwise derived from the version string
// embedded in the kernel image.
func (c *Config) modpath(kernelName string) string {
	version := strings.TrimPrefix(kernelName, "vmlinuz-")
	modpath := filepath.Join(c.modulesDir(), version)
	if fsutil.IsDir(modpath) {
		return modpath
	}
	if v, err := imageVersion(filepath.Join(c.kernelDir(), kernelName)); err == nil {
		return filepath.Join(c.modulesDir(), v)
	}
	return modpath
}

func (c *Config) hasModpath(kernelName string) bool {
	modpath := c.modpath(kernelName)
	if fsutil.IsDir(modpath) {
		return true
	}
	if c.Verbose > 0 {
		log.Printf("supermin: ignoring %s (no modpath %s)", kernelName, modpath)
	}
	return false
}

func (c *Config) createFromEnv(kernelEnv, modpathEnv, output string) (string, error) {
	if c.Verbose > 0 {
		log.Printf("supermin: using SUPERMIN_KERNEL=%s", kernelEnv)
	}
	if !fsutil.IsFile(kernelEnv) {
		return "", xerrors.Errorf("%s: not a regular file (what is $SUPERMIN_KERNEL set to?)", kernelEnv)
	}
	if modpathEnv == "" {
		base := filepath.Base(kernelEnv)
		if !strings.HasPrefix(base, "vmlinuz-") {
			return "", xerrors.Errorf("cannot guess module path for %s; set $SUPERMIN_MODULES", kernelEnv)
		}
		modpathEnv = filepath.Join(c.modulesDir(), strings.TrimPrefix(base, "vmlinuz-"))
		if !fsutil.IsDir(modpathEnv) {
			if v, err := imageVersion(kernelEnv); err == nil {
				modpathEnv = filepath.Join(c.modulesDir(), v)
			}
		}
	}
	if !fsutil.IsDir(modpathEnv) {
		return "", xerrors.Errorf("%s: not a directory (what is $SUPERMIN_MODULES set to?)", modpathEnv)
	}
	if output != "" {
		if err := c.copyOrSymlink(kernelEnv, output); err != nil {
			return "", err
		}
	}
	return modpathEnv, nil
}

func (c *Config) copyOrSymlink(from, to string) error {
	if c.Verbose > 1 {
		verb := "symlink"
		if c.CopyKernel {
			verb = "copy"
		}
		log.Printf("supermin: %s kernel %s -> %s", verb, from, to)
	}
	if !c.CopyKernel {
		if err := os.Symlink(from, to); err != nil {
			return xerrors.Errorf("creating kernel symlink: %w", err)
		}
		return nil
	}
	in, err := os.Open(from)
	if err != nil {
		return xerrors.Errorf("open %s: %w", from, err)
	}
	defer in.Close()
	out, err := renameio.TempFile("", to)
	if err != nil {
		return err
	}
	defer out.Cleanup()
	if _, err := io.Copy(out, in); err != nil {
		return xerrors.Errorf("copy kernel to %s: %w", to, err)
	}
	return out.CloseAtomicallyReplace()
}

// imageVersion extracts the kernel version embedded in a Linux/x86 boot
// image: "HdrS" at offset 514, a little-endian offset to the version
// string at 526, the string itself at that offset + 0x200.
func imageVersion(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var hdr [4]byte
	if _, err := f.ReadAt(hdr[:], 514); err != nil {
		return "", xerrors.Errorf("%s: not a Linux kernel image", path)
	}
	if string(hdr[:]) != "HdrS" {
		return "", xerrors.Errorf("%s: not a Linux kernel image", path)
	}
	var lebuf [2]byte
	if _, err := f.ReadAt(lebuf[:], 518); err != nil {
		return "", err
	}
	if binary.LittleEndian.Uint16(lebuf[:]) < 0x1ff {
		return "", xerrors.Errorf("%s: boot protocol too old for a version string", path)
	}
	if _, err := f.ReadAt(lebuf[:], 526); err != nil {
		return "", err
	}
	offset := int64(binary.LittleEndian.Uint16(lebuf[:]))

	buf := make([]byte, 132)
	n, err := f.ReadAt(buf, offset+0x200)
	if n == 0 && err != nil {
		return "", err
	}
	buf = buf[:n]
	if i := strings.IndexByte(string(buf), 0); i >= 0 {
		buf = buf[:i]
	}
	version := string(buf)
	if i := strings.IndexAny(version, " \t\n"); i >= 0 {
		version = version[:i]
	}
	if version == "" {
		return "", xerrors.Errorf("%s: empty version string", path)
	}
	return version, nil
}
