package supermin

import "runtime"

// unameMachine maps runtime.GOARCH to the machine name uname reports, which
// is what distro kernels embed in their file names (vmlinuz-*.x86_64).
var unameMachine = map[string]string{
	"386":     "i686",
	"amd64":   "x86_64",
	"arm":     "armv7l",
	"arm64":   "aarch64",
	"ppc64":   "ppc64",
	"ppc64le": "ppc64le",
	"riscv64": "riscv64",
	"s390x":   "s390x",
}

// HostCPU returns the default host CPU name used for kernel selection.
func HostCPU() string {
	if m, ok := unameMachine[runtime.GOARCH]; ok {
		return m
	}
	return runtime.GOARCH
}

// IsX86 reports whether cpu names a 32-bit x86 variant (i386 … i686), for
// which kernel selection widens the match to any i?86 kernel.
func IsX86(cpu string) bool {
	return len(cpu) == 4 && cpu[0] == 'i' && cpu[2] == '8' && cpu[3] == '6'
}
