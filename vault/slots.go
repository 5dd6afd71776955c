package vault

import (
	"encoding/binary"
	"fmt"

	"github.com/lpassig/vaultengine/internal/codec"
	"github.com/lpassig/vaultengine/internal/vaulterr"
)

// findFreeSlot scans the slot table in order for the first UNUSED slot.
func findFreeSlot(e *Engine, header codec.Header) (uint32, bool, error) {
	for i := uint32(0); i < header.SlotCount; i++ {
		slot, err := codec.ReadSlot(e.file, i)
		if err != nil {
			return 0, false, err
		}
		if slot.State == codec.StateUnused {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// reserveSlot returns the index of a free slot, compacting the file once
// and retrying if the table is full. This realizes add_key's
// NOSPACE-then-compact-then-retry behavior (spec.md §4.5.6).
func (e *Engine) reserveSlot(buf, master []byte) (uint32, error) {
	header, err := codec.ReadHeader(e.file)
	if err != nil {
		return 0, err
	}
	if idx, ok, err := findFreeSlot(e, header); err != nil {
		return 0, err
	} else if ok {
		return idx, nil
	}

	if err := e.compactLocked(buf, master); err != nil {
		return 0, err
	}

	header, err = codec.ReadHeader(e.file)
	if err != nil {
		return 0, err
	}
	idx, ok, err := findFreeSlot(e, header)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, vaulterr.New(vaulterr.NoSpace, fmt.Errorf("no free slot after compaction"))
	}
	return idx, nil
}

// appendEntryBytes writes a full encoded entry where the file's trailing
// MAC used to sit, points slot slotIdx at it, and recomputes and appends
// the new whole-file MAC.
func (e *Engine) appendEntryBytes(master []byte, slotIdx, keyLen, valLen uint32, raw []byte) error {
	size, err := codec.FileLen(e.file)
	if err != nil {
		return err
	}
	offset := size - codec.HashSize
	if offset < codec.HeaderSize {
		return vaulterr.New(vaulterr.File, fmt.Errorf("vault file too short to hold a trailing MAC"))
	}
	if _, err := e.file.WriteAt(raw, offset); err != nil {
		return vaulterr.New(vaulterr.IOErr, err)
	}

	if err := codec.WriteSlot(e.file, slotIdx, codec.Slot{
		State:      codec.StateActive,
		FileOffset: uint32(offset),
		KeyLen:     keyLen,
		ValLen:     valLen,
	}); err != nil {
		return err
	}

	return e.rehashAndAppendMAC(master)
}

// rehashAndAppendMAC recomputes the whole-file MAC over the file's current
// contents and appends it at the new EOF.
func (e *Engine) rehashAndAppendMAC(master []byte) error {
	mac, err := codec.RehashFile(e.file, master, 0)
	if err != nil {
		return err
	}
	size, err := codec.FileLen(e.file)
	if err != nil {
		return err
	}
	if _, err := e.file.WriteAt(mac[:], size); err != nil {
		return vaulterr.New(vaulterr.IOErr, err)
	}
	return nil
}

// rehashAndReplaceTrailingMAC recomputes the whole-file MAC, omitting the
// existing trailing MAC from the hash, and overwrites it in place. Used by
// operations that change header fields without changing the file's length.
func (e *Engine) rehashAndReplaceTrailingMAC(master []byte) error {
	size, err := codec.FileLen(e.file)
	if err != nil {
		return err
	}
	mac, err := codec.RehashFile(e.file, master, codec.HashSize)
	if err != nil {
		return err
	}
	if _, err := e.file.WriteAt(mac[:], size-codec.HashSize); err != nil {
		return vaulterr.New(vaulterr.IOErr, err)
	}
	return nil
}

func slotIndexFromInode(inodeLoc int64) uint32 {
	return uint32((inodeLoc - codec.HeaderSize) / codec.LocSize)
}

// bytesIndexZero returns the index of the first zero byte in b, or len(b)
// if none is present — used to trim NUL-padded fixed-size fields.
func bytesIndexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return len(b)
}

// isBoxOpenFor reports whether the secure region's "currently open" box
// already holds key, letting OpenKey short-circuit with no I/O.
func isBoxOpenFor(buf []byte, key string) bool {
	raw := buf[offBoxKey : offBoxKey+lenBoxKey]
	n := bytesIndexZero(raw)
	return n == len(key) && string(raw[:n]) == key
}

func isBoxEmpty(buf []byte) bool {
	for _, b := range buf[offBoxKey : offBoxKey+lenBoxKey] {
		if b != 0 {
			return false
		}
	}
	return true
}

func trimBoxKey(buf []byte) string {
	raw := buf[offBoxKey : offBoxKey+lenBoxKey]
	return string(raw[:bytesIndexZero(raw)])
}

func boxValLen(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf[offBoxValLen : offBoxValLen+4])
}
