package appliance

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

const cpioMagic = "070701"

// Context carries the build parameters through the scan. There is no
// module-level mutable state: verbosity and the start time travel with the
// build.
type Context struct {
	Writer  Writer
	HostCPU string

	// AppliancePath, ModPath and InitrdPath are handed to Writer.Start.
	AppliancePath string
	ModPath       string
	InitrdPath    string

	// Whitelist holds shell-style patterns limiting which *.ko files are
	// included; nil includes all kernel modules.
	Whitelist []string

	// LibModules is the path emitted ahead of the module tree. Only tests
	// override it.
	LibModules string

	Verbose int
	Start   time.Time
}

func (ctx *Context) progress(format string, args ...interface{}) {
	if ctx.Verbose == 0 {
		return
	}
	elapsed := time.Since(ctx.Start).Milliseconds()
	log.Printf("supermin: [%05dms] "+format, append([]interface{}{elapsed}, args...)...)
}

// Build runs the whole scan: every input, then the kernel module tree,
// then writer finalization.
func Build(ctx *Context, inputs []string) error {
	if err := ctx.Writer.Start(ctx.HostCPU, ctx.AppliancePath, ctx.ModPath, ctx.InitrdPath); err != nil {
		return err
	}
	for _, input := range inputs {
		if err := ctx.iterateInput(input); err != nil {
			return err
		}
	}

	libModules := ctx.LibModules
	if libModules == "" {
		libModules = "/lib/modules"
	}
	if err := ctx.Writer.File(libModules); err != nil {
		return err
	}
	if err := ctx.addKernelModules(); err != nil {
		return err
	}
	if err := ctx.Writer.End(); err != nil {
		return err
	}
	return nil
}

// iterateInput classifies one input: directories are containers of further
// inputs (visited in sorted order), regular files are skeleton archives
// when they start with the newc magic and hostfile lists otherwise.
func (ctx *Context) iterateInput(input string) error {
	ctx.progress("visiting %s", input)

	st, err := os.Stat(input)
	if err != nil {
		return xerrors.Errorf("stat %s: %w", input, err)
	}
	switch {
	case st.IsDir():
		entries, err := os.ReadDir(input)
		if err != nil {
			return xerrors.Errorf("read dir %s: %w", input, err)
		}
		// os.ReadDir sorts by name, which is the ordering the checksum
		// writer depends on.
		for _, e := range entries {
			name := e.Name()
			if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
				continue
			}
			if err := ctx.iterateInput(filepath.Join(input, name)); err != nil {
				return err
			}
		}
		return nil
	case st.Mode().IsRegular():
		isCpio, err := hasCpioMagic(input)
		if err != nil {
			return err
		}
		if isCpio {
			return ctx.Writer.CpioFile(input)
		}
		return ctx.hostfiles(input)
	default:
		return xerrors.Errorf("%s: input is not a regular file or directory", input)
	}
}

// hasCpioMagic reports whether the file starts with the 6-byte newc magic.
// Files too short to hold the magic are hostfile lists.
func hasCpioMagic(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, xerrors.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	var buf [6]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return false, nil
		}
		return false, xerrors.Errorf("read %s: %w", path, err)
	}
	return string(buf[:]) == cpioMagic, nil
}

// isKernelModule matches *.ko and compressed *.ko.* basenames.
func isKernelModule(name string) bool {
	return strings.HasSuffix(name, ".ko") || strings.Contains(name, ".ko.")
}

// addKernelModules walks the module path in pre-order. *.ko files are
// filtered against the whitelist (when one is configured); everything else
// under the module path (firmware descriptors, modules.dep, directories)
// is included unconditionally.
func (ctx *Context) addKernelModules() error {
	return filepath.Walk(ctx.ModPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return xerrors.Errorf("walk %s: %w", ctx.ModPath, err)
		}
		name := info.Name()
		if !info.IsDir() && isKernelModule(name) && ctx.Whitelist != nil {
			matched := false
			for _, patt := range ctx.Whitelist {
				ok, err := filepath.Match(patt, name)
				if err != nil {
					return xerrors.Errorf("whitelist pattern %q: %w", patt, err)
				}
				if ok {
					matched = true
					break
				}
			}
			if !matched {
				return nil
			}
			if ctx.Verbose > 1 {
				log.Printf("supermin: including kernel module %s", name)
			}
		}
		return ctx.Writer.FTSEntry(path, info)
	})
}
