// Package appliance drives the appliance build: it classifies the inputs
// (skeleton archives, hostfile lists, directories of either), walks them in
// deterministic order and feeds every filesystem entry to an output writer.
package appliance

import (
	"os"

	"golang.org/x/sys/unix"
)

// Writer is the sink for appliance entries. The scanner calls Start once,
// then any number of entry operations, then End. Writers are stateful and
// driven from a single goroutine.
type Writer interface {
	// Start creates and truncates the writer's outputs.
	Start(hostcpu, appliancePath, modpath, initrdPath string) error
	// End flushes, closes and finalizes the outputs.
	End() error
	// File stats path (without following symlinks) and emits it.
	File(path string) error
	// FileStat emits one entry using the provided stat data.
	FileStat(path string, st *unix.Stat_t) error
	// FTSEntry emits one entry from a directory-walk record. Directory
	// walks visit entries in pre-order only.
	FTSEntry(path string, info os.FileInfo) error
	// CpioFile consumes a newc-cpio archive and grafts its contents in.
	CpioFile(path string) error
}
