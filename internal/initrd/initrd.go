// Package initrd builds the mini-initrd that boots the ext2 appliance: the
// init binary plus just enough kernel modules, in dependency order, to
// find and mount the root device.
package initrd

import (
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	cpio "github.com/cavaliercoder/go-cpio"
	"github.com/distr1/supermin/internal/fsutil"
	"github.com/google/renameio"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/xerrors"
)

// bootModules are the module basename wildcards considered for inclusion:
// only what is needed to find a device with an ext2 filesystem on it.
var bootModules = []string{
	"ext2.ko*",
	"ext4.ko*", // CONFIG_EXT4_USE_FOR_EXT23=y might be set
	"virtio*.ko*",
	"ide*.ko*",
	"libata*.ko*",
	"piix*.ko*",
	"scsi_transport_spi.ko*",
	"scsi_mod.ko*",
	"sd_mod.ko*",
	"sym53c8xx.ko*",
	"ata_piix.ko*",
	"sr_mod.ko*",
	"mbcache.ko*",
	"crc*.ko*",
	"libcrc*.ko*",
	"ibmvscsic.ko*",
}

// kmod is one node of the module dependency graph. The synthetic root
// (empty name) depends on every boot-critical module.
type kmod struct {
	name    string // path as recorded in modules.dep
	deps    []*kmod
	visited bool
}

type depGraph struct {
	byName map[string]*kmod
	order  []*kmod // insertion order, for deterministic output
}

func newDepGraph() *depGraph {
	return &depGraph{byName: make(map[string]*kmod)}
}

func (g *depGraph) add(name string) *kmod {
	if m, ok := g.byName[name]; ok {
		return m
	}
	m := &kmod{name: name}
	g.byName[name] = m
	g.order = append(g.order, m)
	return m
}

// addDep records that name requires dep to be loaded first.
func (g *depGraph) addDep(name, dep string) {
	m := g.add(name)
	d := g.add(dep)
	for _, existing := range m.deps {
		if existing == d {
			return
		}
	}
	m.deps = append(m.deps, d)
}

// parseModulesDep reads modpath/modules.dep: one line per module,
// "name: dep1 dep2 …".
func parseModulesDep(modpath string) (*depGraph, error) {
	lines, err := fsutil.LoadFile(filepath.Join(modpath, "modules.dep"))
	if err != nil {
		return nil, xerrors.Errorf("read modules.dep: %w", err)
	}
	g := newDepGraph()
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := strings.TrimSuffix(fields[0], ":")
		if name == "" {
			continue
		}
		g.add(name)
		for _, dep := range fields[1:] {
			g.addDep(name, dep)
		}
	}
	return g, nil
}

// loadOrder returns the modules reachable from the synthetic root in valid
// load order: a depth-first post-order, so every dependency precedes its
// dependents. Nodes are marked at entry, so a dependency cycle (which
// should not happen in a well-formed modules.dep) cannot hang the
// traversal.
func loadOrder(root *kmod) []*kmod {
	var out []*kmod
	var visit func(m *kmod)
	visit = func(m *kmod) {
		if m.visited {
			return
		}
		m.visited = true
		for _, d := range m.deps {
			visit(d)
		}
		if m.name != "" {
			out = append(out, m)
		}
	}
	visit(root)
	return out
}

// Config parameterises the build for the driver and for tests.
type Config struct {
	// InitPath points at the init binary to embed. Empty means: look for
	// a "guestinit" binary next to the running executable, then on $PATH.
	InitPath string
	Verbose  int
}

// Build writes a newc cpio mini-initrd for the given module directory to
// initrdPath (atomically replaced).
func Build(cfg *Config, modpath, initrdPath string) error {
	dir, err := os.MkdirTemp("", "supermin-initrd")
	if err != nil {
		return xerrors.Errorf("mkdtemp: %w", err)
	}
	defer os.RemoveAll(dir)

	g, err := parseModulesDep(modpath)
	if err != nil {
		return err
	}
	root := g.add("")
	for _, patt := range bootModules {
		for _, m := range g.order {
			if m == root {
				continue
			}
			base := filepath.Base(m.name)
			ok, err := filepath.Match(patt, base)
			if err != nil {
				return xerrors.Errorf("module pattern %q: %w", patt, err)
			}
			if ok {
				if cfg.Verbose > 1 {
					log.Printf("supermin: initrd: adding top-level dependency %s (%s)", m.name, patt)
				}
				g.addDep("", m.name)
			}
		}
	}

	var manifest []string
	for _, m := range loadOrder(root) {
		base, err := copyModule(filepath.Join(modpath, m.name), dir)
		if err != nil {
			return err
		}
		if base == "" {
			// modules.dep can reference modules that are not installed;
			// the init program tolerates missing entries at boot, so a
			// missing module is only worth a warning here.
			log.Printf("supermin: initrd: module %s is missing, skipped", m.name)
			continue
		}
		manifest = append(manifest, base)
	}
	if err := os.WriteFile(filepath.Join(dir, "modules"),
		[]byte(strings.Join(append(manifest, ""), "\n")), 0644); err != nil {
		return xerrors.Errorf("write modules manifest: %w", err)
	}

	initBin, err := locateInit(cfg.InitPath)
	if err != nil {
		return err
	}
	if cfg.Verbose > 0 {
		log.Printf("supermin: initrd: using init %s", initBin)
	}
	if err := copyFile(initBin, filepath.Join(dir, "init"), 0755); err != nil {
		return err
	}

	return pack(dir, initrdPath)
}

// copyModule copies a kernel module into the scratch directory,
// decompressing .gz and .xz modules on the way (the init program has no
// decompressor). Returns the basename the module was stored under, or ""
// if the module does not exist.
func copyModule(src, dir string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", xerrors.Errorf("open module: %w", err)
	}
	defer in.Close()

	base := filepath.Base(src)
	var r io.Reader = in
	switch {
	case strings.HasSuffix(base, ".gz"):
		zr, err := gzip.NewReader(in)
		if err != nil {
			return "", xerrors.Errorf("gunzip %s: %w", src, err)
		}
		defer zr.Close()
		r = zr
		base = strings.TrimSuffix(base, ".gz")
	case strings.HasSuffix(base, ".xz"):
		xr, err := xz.NewReader(in)
		if err != nil {
			return "", xerrors.Errorf("unxz %s: %w", src, err)
		}
		r = xr
		base = strings.TrimSuffix(base, ".xz")
	}

	out, err := os.OpenFile(filepath.Join(dir, base), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return "", xerrors.Errorf("copy module %s: %w", src, err)
	}
	return base, out.Close()
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return xerrors.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return xerrors.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

// locateInit finds the init binary the way distri finds minitrd: next to
// the running executable, then on $PATH.
func locateInit(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if exe, err := os.Executable(); err == nil {
		if abs, err := filepath.Abs(exe); err == nil {
			cand := filepath.Join(filepath.Dir(abs), "guestinit")
			if _, err := os.Stat(cand); err == nil {
				return cand, nil
			}
		}
	}
	path, err := exec.LookPath("guestinit")
	if err != nil {
		return "", xerrors.Errorf("cannot locate the guestinit binary: %w", err)
	}
	return path, nil
}

// pack writes the flat scratch directory as a newc cpio archive.
func pack(dir, initrdPath string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out, err := renameio.TempFile("", initrdPath)
	if err != nil {
		return err
	}
	defer out.Cleanup()

	wr := cpio.NewWriter(out)
	for _, name := range names {
		fn := filepath.Join(dir, name)
		st, err := os.Stat(fn)
		if err != nil {
			return err
		}
		// The kernel unpacker dispatches on the S_IFMT bits, so the type
		// must be spelled out alongside the permissions.
		if err := wr.WriteHeader(&cpio.Header{
			Name: name,
			Mode: 0100000 | cpio.FileMode(st.Mode().Perm()),
			Size: st.Size(),
		}); err != nil {
			return err
		}
		f, err := os.Open(fn)
		if err != nil {
			return err
		}
		if _, err := io.Copy(wr, f); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	if err := wr.Close(); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}
