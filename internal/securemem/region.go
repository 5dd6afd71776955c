// Package securemem provides a guarded, fixed-size memory region for
// holding the vault's master key, derived key, and currently open
// plaintext value. The region is locked against paging, zeroized on
// release, and toggled between no-access and read-write around every
// engine operation so that a reference into it can never outlive the
// operation that requested access.
package securemem

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-secure-stdlib/mlock"
	"github.com/lpassig/vaultengine/internal/vaulterr"
	"github.com/lpassig/vaultengine/internal/vlog"
)

type state int

const (
	stateNoAccess state = iota
	stateReadWrite
	stateFreed
)

// Region is a fixed-size, page-protected, memory-locked byte buffer. The
// zero value is not usable; use New.
type Region struct {
	mu    sync.Mutex
	buf   []byte
	state state
	log   vlog.Logger
	prot  protector
}

// New allocates a region of at least size bytes, attempts to lock it
// against swap, and leaves it in the no-access state. Locking failure is
// not fatal — it is logged at Warn and the region is used unlocked, since
// a vault with unlocked secure memory is still far safer than refusing to
// run at all on a host without CAP_IPC_LOCK (containers, CI, WSL).
func New(size int, log vlog.Logger) (*Region, error) {
	if size <= 0 {
		return nil, vaulterr.New(vaulterr.ParamErr, fmt.Errorf("region size must be positive, got %d", size))
	}
	if log == nil {
		log = vlog.Discard()
	}

	prot, buf, err := newProtector(size)
	if err != nil {
		return nil, vaulterr.New(vaulterr.MemErr, err)
	}

	r := &Region{buf: buf, state: stateReadWrite, log: log, prot: prot}

	if mlock.Supported() {
		if err := mlock.LockMemory(r.buf); err != nil {
			log.Warn("could not lock secure region in memory, continuing unlocked", "error", err)
		}
	} else {
		log.Warn("memory locking not supported on this platform, secure region is unlocked")
	}

	if err := r.disableLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// Size returns the usable capacity of the region.
func (r *Region) Size() int {
	return len(r.buf)
}

// EnableRW transitions the region to read-write. Every exposed pointer into
// the region is only valid between a successful EnableRW and the matching
// Disable.
func (r *Region) EnableRW() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateFreed {
		return vaulterr.New(vaulterr.MemErr, fmt.Errorf("region already freed"))
	}
	if r.state == stateReadWrite {
		return nil
	}
	if err := r.prot.readWrite(); err != nil {
		return vaulterr.New(vaulterr.MemErr, err)
	}
	r.state = stateReadWrite
	return nil
}

// Disable transitions the region back to no-access. It is idempotent.
func (r *Region) Disable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disableLocked()
}

func (r *Region) disableLocked() error {
	if r.state == stateFreed || r.state == stateNoAccess {
		r.state = stateNoAccess
		return nil
	}
	if err := r.prot.noAccess(); err != nil {
		return vaulterr.New(vaulterr.MemErr, err)
	}
	r.state = stateNoAccess
	return nil
}

// Bytes returns the region's backing buffer. It must only be read or
// written while the region is in the read-write state (between a
// successful EnableRW and the matching Disable); callers almost always
// want WithRW instead of calling this directly.
func (r *Region) Bytes() []byte {
	return r.buf
}

// WithRW enables read-write access, invokes fn with the backing buffer,
// and restores no-access before returning on every path — success, error,
// or panic (Go defers run during panic unwinding). If fn returns an error
// it is returned; if Disable itself fails and fn did not already error,
// that failure is reported as vaulterr.MemErr instead.
func (r *Region) WithRW(fn func(buf []byte) error) (err error) {
	if err = r.EnableRW(); err != nil {
		return err
	}
	defer func() {
		if derr := r.Disable(); derr != nil && err == nil {
			err = derr
		}
	}()
	return fn(r.buf)
}

// ZeroizeAndFree overwrites the region with zeros and releases its
// backing memory. The region must not be used afterward.
func (r *Region) ZeroizeAndFree() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == stateFreed {
		return nil
	}
	if r.state == stateNoAccess {
		if err := r.prot.readWrite(); err != nil {
			return vaulterr.New(vaulterr.MemErr, err)
		}
	}
	for i := range r.buf {
		r.buf[i] = 0
	}
	err := r.prot.free()
	r.state = stateFreed
	r.buf = nil
	if err != nil {
		return vaulterr.New(vaulterr.MemErr, err)
	}
	return nil
}

// protector is the platform-specific half of Region: how to map memory and
// toggle its protection. See region_unix.go and region_other.go.
type protector interface {
	readWrite() error
	noAccess() error
	free() error
}
