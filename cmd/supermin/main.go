// Program supermin builds the supermin appliance on the fly: it expands a
// supermin skeleton plus host files into a bootable kernel + initrd (cpio
// format) or kernel + mini-initrd + ext2 image (ext2 format), or computes
// a checksum telling whether a rebuild would change anything.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/distr1/supermin"
	"github.com/distr1/supermin/internal/appliance"
	"github.com/distr1/supermin/internal/checksum"
	"github.com/distr1/supermin/internal/ext2"
	"github.com/distr1/supermin/internal/fsutil"
	"github.com/distr1/supermin/internal/initrd"
	"github.com/distr1/supermin/internal/kernel"
	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"
)

const superminHelp = `supermin: build the supermin appliance on the fly

Usage:
  supermin [-format cpio|ext2] -o outputdir input [input...]
or:
  supermin [-format cpio|ext2] -output-kernel kernel \
      -output-initrd initrd [-output-appliance appliance] input [input...]
or:
  supermin -format checksum input [input...]

Inputs are skeleton cpio archives, hostfile lists, or directories of
either. The kernel selection can be overridden with the SUPERMIN_KERNEL
and SUPERMIN_MODULES environment variables.

Flags:
`

func main() {
	// Interactive runs get clean messages; redirected output (build logs)
	// gets timestamps.
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(0)
	} else {
		log.SetFlags(log.LstdFlags)
	}

	if err := funcmain(); err != nil {
		if cerr := supermin.RunCleanups(); cerr != nil {
			log.Printf("supermin: cleanup: %v", cerr)
		}
		log.Fatalf("supermin: %v", err)
	}
	if err := supermin.RunCleanups(); err != nil {
		log.Fatalf("supermin: cleanup: %v", err)
	}
}

func funcmain() error {
	var (
		format          = flag.String("format", "cpio", "output format: cpio, ext2 or checksum")
		kmods           = flag.String("kmods", "", "kernel module whitelist file (shell patterns, one per line)")
		hostCPU         = flag.String("host-cpu", supermin.HostCPU(), "host CPU type to select a kernel for")
		copyKernel      = flag.Bool("copy-kernel", false, "copy the kernel instead of symlinking to it")
		outputDir       = flag.String("o", "", "write output to outputdir/kernel etc.")
		outputKernel    = flag.String("output-kernel", "", "write kernel to path (overrides -o)")
		outputInitrd    = flag.String("output-initrd", "", "write initrd to path (overrides -o)")
		outputAppliance = flag.String("output-appliance", "", "write appliance to path (overrides -o)")
		size            = flag.Int64("size", ext2.DefaultSize, "ext2 appliance size in bytes")
		verbose         = flag.Int("verbose", 0, "verbosity level (higher is chattier)")
		initBinary      = flag.String("init", "", "path to the guestinit binary (default: found next to this executable)")
		version         = flag.Bool("version", false, "display version number and exit")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, superminHelp)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		fmt.Println("supermin " + supermin.Version)
		return nil
	}

	inputs := flag.Args()
	if len(inputs) == 0 {
		flag.Usage()
		return xerrors.New("not enough files specified on the command line")
	}

	var (
		writer          appliance.Writer
		needsKernel     bool
		needsInitrd     bool
		needsAppliance  bool
		kernelPath      string
		initrdPath      string
		appliancePath   string
		outputFromDir   = func(name string) string { return filepath.Join(*outputDir, name) }
		requireOutputOK = func(explicit *string, name string) (string, error) {
			if *explicit != "" {
				return *explicit, nil
			}
			if *outputDir == "" {
				return "", xerrors.New("use -o to specify an output directory, or the -output-* flags")
			}
			return outputFromDir(name), nil
		}
	)

	switch *format {
	case "cpio":
		writer = appliance.NewCpioWriter()
		needsKernel, needsInitrd = true, true
	case "ext2":
		writer = ext2.NewWriter(ext2.Options{
			Size:    *size,
			Initrd:  initrd.Config{InitPath: *initBinary, Verbose: *verbose},
			Verbose: *verbose,
		})
		needsKernel, needsInitrd, needsAppliance = true, true, true
	case "checksum":
		writer = checksum.New(os.Stdout)
	default:
		return xerrors.Errorf("incorrect output format %q: must be cpio, ext2 or checksum", *format)
	}

	var err error
	if needsKernel {
		if kernelPath, err = requireOutputOK(outputKernel, "kernel"); err != nil {
			return err
		}
	}
	if needsInitrd {
		if initrdPath, err = requireOutputOK(outputInitrd, "initrd"); err != nil {
			return err
		}
	}
	if needsAppliance {
		if appliancePath, err = requireOutputOK(outputAppliance, "appliance"); err != nil {
			return err
		}
	}

	var whitelist []string
	if *kmods != "" {
		if whitelist, err = fsutil.LoadFile(*kmods); err != nil {
			return err
		}
	}

	start := time.Now()
	progress := func(format string, args ...interface{}) {
		if *verbose == 0 {
			return
		}
		elapsed := time.Since(start).Milliseconds()
		log.Printf("supermin: [%05dms] "+format, append([]interface{}{elapsed}, args...)...)
	}

	// Remove pre-existing outputs: a stale kernel symlink must not survive
	// a failed run.
	for _, out := range []string{kernelPath, initrdPath, appliancePath} {
		if out != "" {
			os.Remove(out)
		}
	}

	kcfg := &kernel.Config{
		HostCPU:    *hostCPU,
		CopyKernel: *copyKernel,
		Verbose:    *verbose,
	}
	modpath, err := kernel.Create(kcfg, kernelPath)
	if err != nil {
		return err
	}
	progress("finished creating kernel")

	ctx := &appliance.Context{
		Writer:        writer,
		HostCPU:       *hostCPU,
		AppliancePath: appliancePath,
		ModPath:       modpath,
		InitrdPath:    initrdPath,
		Whitelist:     whitelist,
		Verbose:       *verbose,
		Start:         start,
	}
	if err := appliance.Build(ctx, inputs); err != nil {
		// Leave no half-written artifacts behind.
		for _, out := range []string{kernelPath, initrdPath, appliancePath} {
			if out != "" {
				supermin.RegisterCleanup(func(path string) func() error {
					return func() error { os.Remove(path); return nil }
				}(out))
			}
		}
		return err
	}
	progress("finished creating appliance")
	return nil
}
