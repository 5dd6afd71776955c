//go:build unix

package vault

import (
	"fmt"
	"os"

	"github.com/lpassig/vaultengine/internal/vaulterr"
	"golang.org/x/sys/unix"
)

// flockExclusive acquires a non-blocking exclusive advisory lock on f,
// satisfying spec.md §5's "OS-level advisory exclusive file lock acquired
// non-blockingly at open/create".
func flockExclusive(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return vaulterr.New(vaulterr.Syscall, fmt.Errorf("flock: %w", err))
	}
	return nil
}

func flockRelease(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// openNoFollow opens path without following a terminal symlink, matching
// the source's open(path, O_RDWR | O_NOFOLLOW) for Open.
func openNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag|unix.O_NOFOLLOW, perm)
}
