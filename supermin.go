// Package supermin contains shared helpers for the supermin appliance
// builder: the version string reported by the tools, the host CPU naming
// used for kernel selection, and the file version comparison used to order
// kernel candidates.
package supermin

// Version is reported by --version and included in checksum headers so that
// upgrading supermin invalidates cached appliances.
const Version = "5.2.0"
