package vault

import (
	"fmt"

	"github.com/lpassig/vaultengine/internal/codec"
	"github.com/lpassig/vaultengine/internal/vaulterr"
)

// DeleteKey zeros the key's ciphertext and MAC on disk, marks its slot
// DELETED, and drops it from the index, corresponding to spec.md §4.5.10.
// The slot itself is reclaimed later, by Compact.
func (e *Engine) DeleteKey(key string) error {
	if err := e.requireOpen(); err != nil {
		return err
	}
	e.log.Debug("delete key", "key", key)
	desc, ok := e.index.Get(key)
	if !ok {
		e.log.Warn("delete key: not found", "key", key)
		return vaulterr.New(vaulterr.KeyExist, fmt.Errorf("key not found"))
	}
	slotIdx := slotIndexFromInode(desc.InodeLoc)

	err := e.region.WithRW(func(buf []byte) error {
		slot, err := codec.ReadSlot(e.file, slotIdx)
		if err != nil {
			return err
		}

		ctOff := int64(slot.FileOffset) + codec.EntryHeaderSize + int64(slot.KeyLen)
		zeros := make([]byte, slot.ValLen+codec.MACSize)
		if _, err := e.file.WriteAt(zeros, ctOff); err != nil {
			return vaulterr.New(vaulterr.IOErr, err)
		}
		slot.State = codec.StateDeleted
		if err := codec.WriteSlot(e.file, slotIdx, slot); err != nil {
			return err
		}

		master := buf[offMaster : offMaster+lenMaster]
		if err := e.rehashAndAppendMAC(master); err != nil {
			return err
		}

		if isBoxOpenFor(buf, key) {
			clearCurrentBox(buf)
		}
		return nil
	})
	if err != nil {
		e.log.Warn("delete key failed", "key", key, "error", vaulterr.CodeOf(err))
		return err
	}

	e.index.Remove(key)
	return nil
}

// UpdateKey replaces an existing key's value and type, implemented as a
// delete followed by an add, corresponding to spec.md §4.5.11.
func (e *Engine) UpdateKey(keyType uint8, key string, value []byte, mtime uint64) error {
	if err := e.requireOpen(); err != nil {
		return err
	}
	e.log.Debug("update key", "key", key)
	if _, ok := e.index.Get(key); !ok {
		e.log.Warn("update key: not found", "key", key)
		return vaulterr.New(vaulterr.KeyExist, fmt.Errorf("key not found"))
	}

	if err := e.DeleteKey(key); err != nil {
		e.log.Warn("update key failed", "key", key, "error", vaulterr.CodeOf(err))
		return err
	}
	if err := e.AddKey(keyType, key, value, mtime); err != nil {
		e.log.Warn("update key failed", "key", key, "error", vaulterr.CodeOf(err))
		return err
	}
	return nil
}
