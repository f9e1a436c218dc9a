package appliance

import (
	"log"
	"strings"

	"github.com/distr1/supermin/internal/fsutil"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// hostfiles resolves one hostfiles list: a manifest of host paths and
// wildcards to copy into the appliance. The list is a best-effort
// superset, so entries that do not exist on this host are silently
// dropped; only wildcards that cannot be split at a directory boundary
// are caller bugs.
func (ctx *Context) hostfiles(listPath string) error {
	lines, err := fsutil.LoadFile(listPath)
	if err != nil {
		return xerrors.Errorf("hostfiles %s: %w", listPath, err)
	}
	for _, line := range lines {
		// Lists are often produced relative to / with a leading ".".
		hostfile := strings.TrimPrefix(line, ".")
		if hostfile == "" {
			continue
		}

		if strings.ContainsAny(hostfile, "*?") {
			idx := strings.LastIndexByte(hostfile, '/')
			if idx < 0 {
				return xerrors.Errorf("hostfiles %s: wildcard %q has no directory part", listPath, hostfile)
			}
			dirname, patt := hostfile[:idx], hostfile[idx+1:]
			// A backslash matches itself (fnmatch FNM_NOESCAPE), so it is
			// escaped before filepath.Match sees it.
			matches, err := fsutil.FilterFnmatch(fsutil.ReadDir(dirname), strings.ReplaceAll(patt, `\`, `\\`))
			if err != nil {
				return xerrors.Errorf("hostfiles %s: %w", listPath, err)
			}
			for _, m := range matches {
				path := dirname + "/" + m
				if ctx.Verbose > 1 {
					log.Printf("supermin: including host file %s (matches %s)", path, patt)
				}
				if err := ctx.Writer.File(path); err != nil {
					return err
				}
			}
			continue
		}

		var st unix.Stat_t
		if err := unix.Lstat(hostfile, &st); err != nil {
			continue // missing literal paths are not errors
		}
		if ctx.Verbose > 1 {
			log.Printf("supermin: including host file %s (directly referenced)", hostfile)
		}
		if err := ctx.Writer.FileStat(hostfile, &st); err != nil {
			return err
		}
	}
	return nil
}
