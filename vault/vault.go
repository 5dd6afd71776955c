// Package vault implements a single-user, append-only, authenticated
// encrypted key-value store persisted in one file per user. It composes
// internal/securemem, internal/cryptoutil, internal/codec, and
// internal/slotindex into the public Engine type.
//
// The engine is not safe for concurrent use by multiple goroutines on a
// single Engine value, and is not intended to serve concurrent processes
// on the same file — that is enforced by an OS-level advisory exclusive
// file lock acquired non-blockingly at Create/Open time.
package vault

import (
	"fmt"
	"os"

	"github.com/lpassig/vaultengine/internal/codec"
	"github.com/lpassig/vaultengine/internal/securemem"
	"github.com/lpassig/vaultengine/internal/slotindex"
	"github.com/lpassig/vaultengine/internal/vaulterr"
	"github.com/lpassig/vaultengine/internal/vlog"
)

// Re-exported format constants, per spec.md §6.3's max_value_size and the
// library surface's parameter bounds.
const (
	SaltSize      = codec.SaltSize
	MasterKeySize = codec.MasterKeySize
	MACSize       = codec.MACSize
	NonceSize     = codec.NonceSize
	HashSize      = codec.HashSize
	HeaderSize    = codec.HeaderSize
	BoxKeySize    = codec.BoxKeySize
	DataSize      = codec.DataSize

	MaxPathLen = codec.MaxPathLen
	MaxUserLen = codec.MaxUserLen
	MaxPassLen = codec.MaxPassLen
)

// Secure-region layout: byte offsets of the fields the engine keeps in
// guarded memory. This is the engine's own convention layered on top of
// the generic securemem.Region allocation.
const (
	offDerivedKey = 0
	lenDerivedKey = MasterKeySize

	offMaster = offDerivedKey + lenDerivedKey
	lenMaster = MasterKeySize

	offBoxKey = offMaster + lenMaster
	lenBoxKey = BoxKeySize

	offBoxType = offBoxKey + lenBoxKey
	lenBoxType = 1

	offBoxValLen = offBoxType + lenBoxType
	lenBoxValLen = 4

	offBoxValue = offBoxValLen + lenBoxValLen
	lenBoxValue = DataSize

	regionSize = offBoxValue + lenBoxValue
)

// MaxValueSize returns the maximum plaintext value length the engine will
// store, i.e. DATA_SIZE.
func MaxValueSize() int { return DataSize }

// Engine is a handle to one vault's state: the open file (if any), the
// secure-memory region holding its keys and currently opened value, and
// the in-memory key index. The zero value is not usable; use New.
type Engine struct {
	log    vlog.Logger
	region *securemem.Region

	isOpen bool
	file   *os.File
	locked bool
	index  *slotindex.Index
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the engine's default logger.
func WithLogger(log vlog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New initializes a fresh engine handle: disables core dumps process-wide,
// allocates the guarded secure-memory region, and leaves it in the
// no-access state with no vault open. This corresponds to spec.md
// §4.5.1's init_vault.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{log: vlog.New()}
	for _, opt := range opts {
		opt(e)
	}

	if err := securemem.DisableCoreDumps(); err != nil {
		e.log.Warn("could not disable core dumps", "error", err)
	}

	region, err := securemem.New(regionSize, e.log)
	if err != nil {
		return nil, vaulterr.New(vaulterr.MemErr, err)
	}
	e.region = region
	return e, nil
}

// Release closes any open vault and releases the engine's secure memory.
// The engine must not be used afterward. This corresponds to spec.md
// §4.5.1's release_vault.
func (e *Engine) Release() error {
	if e.isOpen {
		if err := e.Close(); err != nil {
			e.log.Warn("error closing vault during release", "error", vaulterr.CodeOf(err))
		}
	}
	return e.region.ZeroizeAndFree()
}

// requireOpen is the "vault open" guard shared by every operation that
// needs a live file and index, realizing internal_initial_checks' first
// condition (spec.md §9, Design Note 2).
func (e *Engine) requireOpen() error {
	if !e.isOpen {
		return vaulterr.New(vaulterr.VClose, fmt.Errorf("no vault open"))
	}
	return nil
}

// requireClosed guards the operations that must not run while a vault is
// already open (Create, Open, CreateFromHeader).
func (e *Engine) requireClosed() error {
	if e.isOpen {
		return vaulterr.New(vaulterr.VOpen, fmt.Errorf("vault already open"))
	}
	return nil
}

func vaultPath(directory, username string) (string, error) {
	if len(directory) > MaxPathLen {
		return "", vaulterr.New(vaulterr.ParamErr, fmt.Errorf("directory exceeds MAX_PATH_LEN"))
	}
	if len(username) > MaxUserLen {
		return "", vaulterr.New(vaulterr.ParamErr, fmt.Errorf("username exceeds MAX_USER_SIZE"))
	}
	return fmt.Sprintf("%s/%s.vault", directory, username), nil
}

func checkPassword(password []byte) error {
	if len(password) > MaxPassLen {
		return vaulterr.New(vaulterr.ParamErr, fmt.Errorf("password exceeds MAX_PASS_SIZE"))
	}
	return nil
}

func checkKey(key string) error {
	if len(key) == 0 {
		return vaulterr.New(vaulterr.ParamErr, fmt.Errorf("key must not be empty"))
	}
	if len(key) > BoxKeySize-1 {
		return vaulterr.New(vaulterr.ParamErr, fmt.Errorf("key exceeds BOX_KEY_SIZE-1"))
	}
	return nil
}

func checkValue(value []byte) error {
	if len(value) > DataSize {
		return vaulterr.New(vaulterr.ParamErr, fmt.Errorf("value exceeds DATA_SIZE"))
	}
	return nil
}
