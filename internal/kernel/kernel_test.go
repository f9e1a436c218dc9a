package kernel

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeBootImage returns bytes that pass the Linux/x86 boot header probe
// and embed the given version string.
func fakeBootImage(version string) []byte {
	buf := make([]byte, 0x210+256)
	copy(buf[514:], "HdrS")
	binary.LittleEndian.PutUint16(buf[518:], 0x0204)
	binary.LittleEndian.PutUint16(buf[526:], 0x0010)
	copy(buf[0x0210:], version+" (builder@host) #1\x00")
	return buf
}

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("kernel"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func mkModDirs(t *testing.T, modules string, versions ...string) {
	t.Helper()
	for _, v := range versions {
		if err := os.MkdirAll(filepath.Join(modules, v), 0755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSelectionSkipsXen(t *testing.T) {
	boot := t.TempDir()
	modules := t.TempDir()
	writeFiles(t, boot,
		"vmlinuz-5.14.0.x86_64",
		"vmlinuz-5.14.0.x86_64.xen",
		"vmlinuz-4.18.0.x86_64",
	)
	mkModDirs(t, modules, "5.14.0.x86_64", "5.14.0.x86_64.xen", "4.18.0.x86_64")

	cfg := &Config{HostCPU: "x86_64", KernelDir: boot, ModulesDir: modules}
	modpath, err := Create(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(modules, "5.14.0.x86_64"); modpath != want {
		t.Errorf("modpath = %s, want %s", modpath, want)
	}
}

func TestSelectionRequiresModpath(t *testing.T) {
	boot := t.TempDir()
	modules := t.TempDir()
	writeFiles(t, boot, "vmlinuz-5.14.0.x86_64", "vmlinuz-5.20.0.x86_64")
	// Only the older kernel has modules installed.
	mkModDirs(t, modules, "5.14.0.x86_64")

	cfg := &Config{HostCPU: "x86_64", KernelDir: boot, ModulesDir: modules}
	modpath, err := Create(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(modules, "5.14.0.x86_64"); modpath != want {
		t.Errorf("modpath = %s, want %s", modpath, want)
	}
}

func TestFallbackToUnsuffixedPattern(t *testing.T) {
	boot := t.TempDir()
	modules := t.TempDir()
	// RHEL 5 style: no architecture suffix.
	writeFiles(t, boot, "vmlinuz-2.6.18")
	mkModDirs(t, modules, "2.6.18")

	cfg := &Config{HostCPU: "x86_64", KernelDir: boot, ModulesDir: modules}
	modpath, err := Create(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(modules, "2.6.18"); modpath != want {
		t.Errorf("modpath = %s, want %s", modpath, want)
	}
}

func TestSymlinkAndCopyOutput(t *testing.T) {
	boot := t.TempDir()
	modules := t.TempDir()
	writeFiles(t, boot, "vmlinuz-5.14.0.x86_64")
	mkModDirs(t, modules, "5.14.0.x86_64")

	out := filepath.Join(t.TempDir(), "kernel")
	cfg := &Config{HostCPU: "x86_64", KernelDir: boot, ModulesDir: modules}
	if _, err := Create(cfg, out); err != nil {
		t.Fatal(err)
	}
	target, err := os.Readlink(out)
	if err != nil {
		t.Fatalf("output is not a symlink: %v", err)
	}
	if want := filepath.Join(boot, "vmlinuz-5.14.0.x86_64"); target != want {
		t.Errorf("symlink target = %s, want %s", target, want)
	}

	outCopy := filepath.Join(t.TempDir(), "kernel")
	cfg.CopyKernel = true
	if _, err := Create(cfg, outCopy); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(outCopy)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "kernel" {
		t.Errorf("copied kernel contents = %q", b)
	}
}

func TestImageVersion(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "vmlinuz")
	if err := os.WriteFile(fn, fakeBootImage("9.8.7-custom"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := imageVersion(fn)
	if err != nil {
		t.Fatal(err)
	}
	if got != "9.8.7-custom" {
		t.Errorf("imageVersion = %q, want %q", got, "9.8.7-custom")
	}

	bogus := filepath.Join(t.TempDir(), "notakernel")
	if err := os.WriteFile(bogus, []byte(strings.Repeat("x", 2048)), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := imageVersion(bogus); err == nil {
		t.Error("imageVersion accepted a non-kernel file")
	}
}

func TestModpathDerivedFromBootHeader(t *testing.T) {
	boot := t.TempDir()
	modules := t.TempDir()
	// The file name does not map onto a module directory, but the embedded
	// version string does.
	if err := os.WriteFile(filepath.Join(boot, "vmlinuz-oddly.named.x86_64"),
		fakeBootImage("9.8.7-custom"), 0644); err != nil {
		t.Fatal(err)
	}
	mkModDirs(t, modules, "9.8.7-custom")

	cfg := &Config{HostCPU: "x86_64", KernelDir: boot, ModulesDir: modules}
	modpath, err := Create(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(modules, "9.8.7-custom"); modpath != want {
		t.Errorf("modpath = %s, want %s", modpath, want)
	}
}

func TestEnvOverride(t *testing.T) {
	dir := t.TempDir()
	modules := t.TempDir()
	kernel := filepath.Join(dir, "vmlinuz-1.2.3")
	if err := os.WriteFile(kernel, []byte("kernel"), 0644); err != nil {
		t.Fatal(err)
	}
	mkModDirs(t, modules, "1.2.3")

	t.Setenv("SUPERMIN_KERNEL", kernel)
	t.Setenv("SUPERMIN_MODULES", "")

	cfg := &Config{ModulesDir: modules}
	modpath, err := Create(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(modules, "1.2.3"); modpath != want {
		t.Errorf("modpath = %s, want %s", modpath, want)
	}
}
