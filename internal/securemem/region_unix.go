//go:build unix

package securemem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// unixProtector backs a Region with an anonymous mmap'd region so its
// protection can be toggled with mprotect(2), independent of Go's own
// heap (which the runtime is free to move or scan).
type unixProtector struct {
	buf []byte
}

func newProtector(size int) (protector, []byte, error) {
	pageSize := unix.Getpagesize()
	mapped := ((size + pageSize - 1) / pageSize) * pageSize

	buf, err := unix.Mmap(-1, 0, mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap secure region: %w", err)
	}
	return &unixProtector{buf: buf}, buf[:size], nil
}

func (p *unixProtector) readWrite() error {
	if err := unix.Mprotect(p.buf, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("mprotect readwrite: %w", err)
	}
	return nil
}

func (p *unixProtector) noAccess() error {
	if err := unix.Mprotect(p.buf, unix.PROT_NONE); err != nil {
		return fmt.Errorf("mprotect noaccess: %w", err)
	}
	return nil
}

func (p *unixProtector) free() error {
	// munmap requires the region to be accessible to some implementations
	// of the syscall wrapper; restore RW first so the unmap itself cannot
	// fail because the pages are currently PROT_NONE.
	_ = unix.Mprotect(p.buf, unix.PROT_READ|unix.PROT_WRITE)
	if err := unix.Munmap(p.buf); err != nil {
		return fmt.Errorf("munmap secure region: %w", err)
	}
	return nil
}

// DisableCoreDumps sets RLIMIT_CORE to zero for the whole process, so a
// crash can never write decrypted secrets to a core file. It is called
// once at engine init and is safe to call more than once.
func DisableCoreDumps() error {
	limit := unix.Rlimit{Cur: 0, Max: 0}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &limit); err != nil {
		return fmt.Errorf("disable core dumps: %w", err)
	}
	return nil
}
