// Program guestinit is the init that ships inside the supermin
// mini-initrd. It loads the kernel modules staged at build time, finds the
// block device holding the ext2 appliance, mounts it and chroots into it.
//
// The following kernel cmdline parameters are respected:
//
//   - root=/dev/<name> to name the appliance device
//   - root=UUID=<uuid> to find the appliance by filesystem UUID
//   - quiet to suppress progress messages
//
// There is no shell in the mini-initrd; everything happens in this
// program.
package main

// CGO_ENABLED=0 GOFLAGS=-ldflags=-w go install

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// The root device can take a long time to appear on slow machines with
// many disks. The polling delay starts at 250µs and doubles up to this
// cap, so the cumulative wait is roughly double it.
const maxRootWait = 300 * time.Second

var quiet bool

func debugf(format string, args ...interface{}) {
	if quiet {
		return
	}
	fmt.Fprintf(os.Stderr, "supermin: "+format+"\n", args...)
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "supermin: "+format+"\n", args...)
}

func main() {
	if err := logic(); err != nil {
		warnf("%v", err)
		os.Exit(1)
	}
}

func logic() error {
	mountProc()

	cmdline := readCmdline()
	quiet = strings.Contains(cmdline, "quiet")

	debugf("ext2 mini initrd starting up")
	debugf("cmdline: %s", cmdline)
	printUptime()

	for _, dir := range []string{"/dev", "/root", "/sys"} {
		os.Mkdir(dir, 0755)
	}
	debugf("mounting /sys")
	if err := unix.Mount("sysfs", "/sys", "sysfs", 0, ""); err != nil {
		return fmt.Errorf("mount /sys: %v", err)
	}

	if err := loadModules(); err != nil {
		return err
	}

	major, minor, dax, err := findRoot(cmdline)
	if err != nil {
		return err
	}

	if err := unix.Unmount("/sys", 0); err != nil {
		return fmt.Errorf("umount /sys: %v", err)
	}

	debugf("creating /dev/root as block special %d:%d", major, minor)
	if err := unix.Mknod("/dev/root", unix.S_IFBLK|0700, int(unix.Mkdev(major, minor))); err != nil {
		return fmt.Errorf("mknod /dev/root: %v", err)
	}

	options := ""
	if dax {
		options = "dax"
	}
	debugf("mounting new root on /root (%s)", options)
	if err := unix.Mount("/dev/root", "/root", "ext2", unix.MS_NOATIME, options); err != nil {
		return fmt.Errorf("mount /root: %v", err)
	}

	// Reclaim initramfs memory before the chroot: modules in the root
	// directory can be large. Directories stay; /root is about to become
	// our world and must not disappear under us.
	debugf("deleting initramfs files")
	deleteInitramfsFiles()

	// pivot_root does not work from an initramfs; chroot does.
	debugf("chroot")
	if err := unix.Chroot("/root"); err != nil {
		return fmt.Errorf("chroot /root: %v", err)
	}
	if err := os.Chdir("/"); err != nil {
		return err
	}

	err = unix.Exec("/init", []string{"init"}, os.Environ())
	// Exec only returns on failure. Dump some directories to aid the
	// post-mortem: with /init broken there may be no way to run anything
	// inside the appliance.
	warnf("exec /init: %v", err)
	for _, dir := range []string{"/", "/bin", "/lib", "/lib64"} {
		showDirectory(dir)
	}
	os.Exit(1)
	return nil
}

// mountProc mounts /proc unless it is mounted already.
func mountProc() {
	if _, err := os.Stat("/proc/uptime"); err == nil {
		return
	}
	os.Mkdir("/proc", 0755)
	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		warnf("mount /proc: %v (ignored)", err)
	}
}

func readCmdline() string {
	b, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		warnf("/proc/cmdline: %v", err)
		return ""
	}
	return strings.TrimSpace(string(b))
}

func printUptime() {
	b, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return
	}
	debugf("uptime: %s", strings.TrimSpace(string(b)))
}

// loadModules loads every module listed in /modules, in the order fixed
// at build time. Missing modules are skipped: the list intentionally only
// matches what the build host had installed.
func loadModules() error {
	b, err := os.ReadFile("/modules")
	if err != nil {
		return fmt.Errorf("read /modules: %v", err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		if line == "" {
			continue
		}
		if _, err := os.Stat(line); err != nil {
			warnf("skipped %s, module is missing", line)
			continue
		}
		insmod(line)
	}
	return nil
}

func insmod(path string) {
	debugf("internal insmod %s", path)
	f, err := os.Open(path)
	if err != nil {
		warnf("insmod: %v", err)
		return
	}
	defer f.Close()
	if err := unix.FinitModule(int(f.Fd()), "", 0); err != nil {
		// A load failure is often just a missing device; keep booting.
		if err != unix.EEXIST {
			warnf("insmod %s: %v", path, moderror(err))
		}
	}
}

// moderror translates the classic init_module errnos the way
// module-init-tools' insmod does.
func moderror(err error) string {
	switch err {
	case unix.ENOEXEC:
		return "Invalid module format"
	case unix.ENOENT:
		return "Unknown symbol in module"
	case unix.ESRCH:
		return "Module has wrong symbol version"
	case unix.EINVAL:
		return "Invalid parameters"
	}
	return err.Error()
}

// findRoot resolves the appliance block device from the kernel command
// line: an explicit root=/dev/<name>, a root=UUID=<uuid> scan, or as a
// last resort a probe over the usual virtio/SCSI/IDE names.
func findRoot(cmdline string) (major, minor uint32, dax bool, err error) {
	for _, arg := range strings.Fields(cmdline) {
		if !strings.HasPrefix(arg, "root=") {
			continue
		}
		root := strings.TrimPrefix(arg, "root=")
		if uuid, ok := strings.CutPrefix(root, "UUID="); ok {
			target, err := parseUUID(uuid)
			if err != nil {
				return 0, 0, false, fmt.Errorf("root=UUID=%s: %v", uuid, err)
			}
			major, minor, err := scanUUID(target)
			return major, minor, false, err
		}
		name := strings.TrimPrefix(root, "/dev/")
		dax = strings.HasPrefix(name, "pmem")
		major, minor, err = waitForDevice(filepath.Join("/sys/block", name, "dev"))
		return major, minor, dax, err
	}

	// No root= parameter: probe the well-known device names, newest
	// letter first.
	for _, class := range []byte{'v', 's', 'h'} {
		for letter := byte('z'); letter >= 'a'; letter-- {
			path := fmt.Sprintf("/sys/block/%cd%c/dev", class, letter)
			if major, minor, err := readDevFile(path); err == nil {
				debugf("picked %s as root device", path)
				return major, minor, false, nil
			}
		}
	}
	return 0, 0, false, fmt.Errorf("no ext2 root device found")
}

// waitForDevice polls a /sys/block/<name>/dev file with exponentially
// doubling delay until it appears.
func waitForDevice(path string) (major, minor uint32, err error) {
	delay := 250 * time.Microsecond
	warned := false
	for delay <= maxRootWait {
		if major, minor, err := readDevFile(path); err == nil {
			debugf("picked %s as root device", path)
			return major, minor, nil
		}
		if delay > time.Second {
			warnf("waiting another %v for %s to appear", delay, path)
			if !warned {
				warnf("this usually means your kernel does not support virtio, or some kernel modules failed to load (see messages above)")
				warned = true
			}
		}
		time.Sleep(delay)
		delay *= 2
	}
	return 0, 0, fmt.Errorf("timed out waiting for %s", path)
}

// readDevFile parses a sysfs dev file of the form "major:minor".
func readDevFile(path string) (major, minor uint32, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	s := strings.TrimSpace(string(b))
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return 0, 0, fmt.Errorf("%s: malformed dev file %q", path, s)
	}
	maj, err := parseUint(s[:idx])
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %v", path, err)
	}
	min, err := parseUint(s[idx+1:])
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %v", path, err)
	}
	return maj, min, nil
}

func parseUint(s string) (uint32, error) {
	var n uint32
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("bad number %q", s)
		}
		n = n*10 + uint32(s[i]-'0')
	}
	return n, nil
}

// deleteInitramfsFiles unlinks the regular files in the initramfs root.
// Only the root directory is cleaned: the supermin initramfs keeps all its
// files there, and directories must stay (they include the /root
// mountpoint).
func deleteInitramfsFiles() {
	if err := os.Chdir("/"); err != nil {
		return
	}
	entries, err := os.ReadDir(".")
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			if err := os.Remove(e.Name()); err != nil {
				warnf("%s: %v", e.Name(), err)
			}
		}
	}
}

// showDirectory lists a directory on stderr for post-mortem debugging.
func showDirectory(dir string) {
	fmt.Fprintf(os.Stderr, "supermin: debug: listing directory %s\n", dir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		warnf("%s: %v", dir, err)
		return
	}
	for _, e := range entries {
		fn := filepath.Join(dir, e.Name())
		var st unix.Stat_t
		if err := unix.Lstat(fn, &st); err != nil {
			fmt.Fprintf(os.Stderr, "  %-16s ?\n", e.Name())
			continue
		}
		line := fmt.Sprintf("  %-16s %06o %d %d:%d", e.Name(), st.Mode, st.Size, st.Uid, st.Gid)
		if st.Mode&unix.S_IFMT == unix.S_IFLNK {
			if target, err := os.Readlink(fn); err == nil {
				line += " -> " + target
			}
		}
		fmt.Fprintln(os.Stderr, line)
	}
}
