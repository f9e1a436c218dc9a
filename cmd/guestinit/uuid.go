package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// The ext2 superblock starts at byte 1024 and stores the filesystem UUID
// at offset 0x68 within it.
const superblockUUIDOffset = 0x468

// parseUUID parses a filesystem UUID into its 16 raw bytes. Hyphens are
// accepted anywhere.
func parseUUID(s string) ([16]byte, error) {
	var out [16]byte
	cleaned := strings.ReplaceAll(s, "-", "")
	if len(cleaned) != 32 {
		return out, fmt.Errorf("expected 32 hex digits, got %d", len(cleaned))
	}
	b, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

// readVolumeUUID reads 16 bytes at the superblock UUID offset of a block
// device or image.
func readVolumeUUID(path string) ([16]byte, error) {
	var uuid [16]byte
	f, err := os.Open(path)
	if err != nil {
		return uuid, err
	}
	defer f.Close()
	if _, err := f.ReadAt(uuid[:], superblockUUIDOffset); err != nil {
		return uuid, err
	}
	return uuid, nil
}

// scanUUID looks for a block device whose filesystem UUID matches target,
// polling with the same backoff discipline as waitForDevice: the device
// may still be settling when we start looking.
func scanUUID(target [16]byte) (major, minor uint32, err error) {
	delay := 250 * time.Microsecond
	scan := 0
	for delay <= maxRootWait {
		entries, _ := os.ReadDir("/sys/block")
		for _, e := range entries {
			maj, min, err := readDevFile(filepath.Join("/sys/block", e.Name(), "dev"))
			if err != nil {
				continue
			}
			// A fresh node name per probe: a stale node left behind by a
			// failed open must not shadow the next device.
			scan++
			node := fmt.Sprintf("/dev/disk-scan-%d", scan)
			if err := unix.Mknod(node, unix.S_IFBLK|0700, int(unix.Mkdev(maj, min))); err != nil {
				warnf("mknod %s: %v", node, err)
				continue
			}
			uuid, err := readVolumeUUID(node)
			os.Remove(node)
			if err != nil {
				continue
			}
			if bytes.Equal(uuid[:], target[:]) {
				debugf("picked %s (%d:%d) as root device by UUID", e.Name(), maj, min)
				return maj, min, nil
			}
		}
		time.Sleep(delay)
		delay *= 2
	}
	return 0, 0, fmt.Errorf("no block device with UUID %x found", target)
}
