package vault

import (
	"github.com/lpassig/vaultengine/internal/codec"
	"github.com/lpassig/vaultengine/internal/slotindex"
	"github.com/lpassig/vaultengine/internal/vaulterr"
)

// Compact rewrites the vault file, dropping deleted entries and doubling
// the slot table, corresponding to spec.md §4.5.12. It is safe to call at
// any time a vault is open, and is also invoked automatically by AddKey
// and AddEncryptedValue when the slot table is full.
func (e *Engine) Compact() error {
	if err := e.requireOpen(); err != nil {
		return err
	}
	e.log.Debug("compact vault")
	err := e.region.WithRW(func(buf []byte) error {
		master := buf[offMaster : offMaster+lenMaster]
		return e.compactLocked(buf, master)
	})
	if err != nil {
		e.log.Warn("compact failed", "error", vaulterr.CodeOf(err))
		return err
	}
	return nil
}

type survivingEntry struct {
	entry  codec.Entry
	keyLen uint32
	valLen uint32
}

// compactLocked assumes the secure region is already readable/writable
// (master is a slice into it) and must not itself call region.WithRW —
// callers that already hold the region RW (reserveSlot, from inside
// AddKey/AddEncryptedValue) invoke this directly to avoid re-entering the
// guarded-region state machine.
func (e *Engine) compactLocked(buf, master []byte) error {
	header, err := codec.ReadHeader(e.file)
	if err != nil {
		return err
	}

	var survivors []survivingEntry
	for i := uint32(0); i < header.SlotCount; i++ {
		slot, err := codec.ReadSlot(e.file, i)
		if err != nil {
			return err
		}
		if slot.State != codec.StateActive {
			continue
		}
		entry, err := codec.ReadEntry(e.file, int64(slot.FileOffset), slot.KeyLen, slot.ValLen)
		if err != nil {
			return err
		}
		survivors = append(survivors, survivingEntry{entry: entry, keyLen: slot.KeyLen, valLen: slot.ValLen})
	}

	newSlotCount := header.SlotCount * 2
	if newSlotCount == 0 {
		newSlotCount = codec.InitialSize
	}
	slotTableEnd := int64(codec.HeaderSize) + int64(newSlotCount)*codec.LocSize

	slots := make([]codec.Slot, newSlotCount)
	offsets := make([]int64, len(survivors))
	offset := slotTableEnd
	for i, sv := range survivors {
		offsets[i] = offset
		slots[i] = codec.Slot{
			State:      codec.StateActive,
			FileOffset: uint32(offset),
			KeyLen:     sv.keyLen,
			ValLen:     sv.valLen,
		}
		offset += int64(codec.EntrySize(sv.keyLen, sv.valLen))
	}
	for i := len(survivors); i < int(newSlotCount); i++ {
		slots[i] = codec.Slot{State: codec.StateUnused}
	}

	if err := codec.Truncate(e.file, 0); err != nil {
		return err
	}
	header.SlotCount = newSlotCount
	if err := codec.WriteHeader(e.file, header); err != nil {
		return err
	}
	for i, s := range slots {
		if err := codec.WriteSlot(e.file, uint32(i), s); err != nil {
			return err
		}
	}
	for i, sv := range survivors {
		if err := codec.WriteEntryAt(e.file, offsets[i], sv.entry); err != nil {
			return err
		}
	}

	if err := e.rehashAndAppendMAC(master); err != nil {
		return err
	}

	newIndex, err := slotindex.RebuildFromFile(e.file, master)
	if err != nil {
		return err
	}
	e.index = newIndex
	return nil
}
