//go:build !unix

package vault

import "os"

// No advisory-lock or O_NOFOLLOW equivalent is wired for non-Unix targets;
// every example in the retrieved corpus that takes an exclusive file lock
// does so via a Unix flock syscall (see internal/securemem's unix build
// tag for the same boundary). Single-writer enforcement on those platforms
// is left to the caller.
func flockExclusive(f *os.File) error { return nil }
func flockRelease(f *os.File) error   { return nil }

func openNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}
