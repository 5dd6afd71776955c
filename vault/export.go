package vault

import (
	"fmt"

	"github.com/lpassig/vaultengine/internal/codec"
	"github.com/lpassig/vaultengine/internal/cryptoutil"
	"github.com/lpassig/vaultengine/internal/vaulterr"
)

// GetEncryptedValue returns a key's entry exactly as stored on disk —
// ciphertext, nonce, and entry MAC, still encrypted under the vault's
// master key — along with its type and mtime. The blob is suitable for
// AddEncryptedValue on another vault sharing the same master key, or for
// archival. The entry MAC is verified against the master key before the
// bytes are returned, since a caller relying on this blob for re-import
// elsewhere should never receive a silently corrupted entry. Corresponds
// to spec.md §4.5.15.
func (e *Engine) GetEncryptedValue(key string) (entryBytes []byte, keyType uint8, mtime uint64, err error) {
	if err = e.requireOpen(); err != nil {
		return nil, 0, 0, err
	}
	e.log.Debug("get encrypted value", "key", key)
	desc, ok := e.index.Get(key)
	if !ok {
		e.log.Warn("get encrypted value: not found", "key", key)
		return nil, 0, 0, vaulterr.New(vaulterr.KeyExist, fmt.Errorf("key not found"))
	}
	slotIdx := slotIndexFromInode(desc.InodeLoc)

	slot, err := codec.ReadSlot(e.file, slotIdx)
	if err != nil {
		e.log.Warn("get encrypted value failed", "key", key, "error", vaulterr.CodeOf(err))
		return nil, 0, 0, err
	}
	total := codec.EntrySize(slot.KeyLen, slot.ValLen)
	buf := make([]byte, total)
	if _, err := e.file.ReadAt(buf, int64(slot.FileOffset)); err != nil {
		wrapped := vaulterr.New(vaulterr.IOErr, err)
		e.log.Warn("get encrypted value failed", "key", key, "error", vaulterr.CodeOf(wrapped))
		return nil, 0, 0, wrapped
	}

	err = e.region.WithRW(func(rbuf []byte) error {
		master := rbuf[offMaster : offMaster+lenMaster]
		unkeyed := buf[:len(buf)-codec.HashSize]
		trailingMAC := buf[len(buf)-codec.HashSize:]
		computed, err := cryptoutil.KeyedHash(unkeyed, master)
		if err != nil {
			return err
		}
		if !constantTimeEqual(computed[:], trailingMAC) {
			return vaulterr.New(vaulterr.CryptoErr, fmt.Errorf("entry MAC mismatch for key %q", key))
		}
		return nil
	})
	if err != nil {
		e.log.Warn("get encrypted value failed", "key", key, "error", vaulterr.CodeOf(err))
		return nil, 0, 0, err
	}

	return buf, desc.Type, desc.MTime, nil
}
