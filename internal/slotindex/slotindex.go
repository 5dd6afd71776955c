// Package slotindex is the in-memory mirror of the on-disk slot table: a
// hash map from key to the byte offset of its slot descriptor, rebuilt
// from the file on open and kept in sync by the engine on every mutation.
package slotindex

import (
	"os"

	"github.com/lpassig/vaultengine/internal/codec"
	"github.com/lpassig/vaultengine/internal/vaulterr"
)

// Descriptor is what the index remembers about one key, independent of the
// slot table's own on-disk Offset/KeyLen/ValLen (those live in codec.Slot;
// the index only needs enough to answer lookups and accessor queries
// without re-reading the slot table).
type Descriptor struct {
	InodeLoc int64  // byte offset of the slot descriptor in the slot table
	MTime    uint64
	Type     uint8
}

// Index maps key -> Descriptor. The zero value is not usable; use New.
type Index struct {
	m map[string]Descriptor
}

// New creates an index hash map sized for capacity/2 buckets, as a hint —
// Go's map grows on its own regardless.
func New(capacity int) *Index {
	return &Index{m: make(map[string]Descriptor, capacity/2)}
}

func (idx *Index) Put(key string, d Descriptor) {
	idx.m[key] = d
}

func (idx *Index) Get(key string) (Descriptor, bool) {
	d, ok := idx.m[key]
	return d, ok
}

func (idx *Index) Remove(key string) {
	delete(idx.m, key)
}

func (idx *Index) Len() int {
	return len(idx.m)
}

// Keys returns every key currently indexed, in unspecified order.
func (idx *Index) Keys() []string {
	keys := make([]string, 0, len(idx.m))
	for k := range idx.m {
		keys = append(keys, k)
	}
	return keys
}

// RebuildFromFile reads the slot count from the header, then walks every
// slot; for each ACTIVE slot it reads the entry's mtime, type, and key and
// inserts it. Non-ACTIVE slots (UNUSED, DELETED) are skipped.
func RebuildFromFile(f *os.File, master []byte) (*Index, error) {
	header, err := codec.ReadHeader(f)
	if err != nil {
		return nil, err
	}

	idx := New(int(header.SlotCount))
	for i := uint32(0); i < header.SlotCount; i++ {
		slot, err := codec.ReadSlot(f, i)
		if err != nil {
			return nil, err
		}
		if slot.State != codec.StateActive {
			continue
		}

		entry, err := codec.ReadEntry(f, int64(slot.FileOffset), slot.KeyLen, slot.ValLen)
		if err != nil {
			return nil, err
		}
		key := trimKey(entry.Key)
		if _, dup := idx.Get(key); dup {
			return nil, vaulterr.New(vaulterr.File, errDuplicateKey(key))
		}
		idx.Put(key, Descriptor{
			InodeLoc: slotByteOffset(i),
			MTime:    entry.MTime,
			Type:     entry.Type,
		})
	}
	return idx, nil
}

func slotByteOffset(i uint32) int64 {
	return codec.HeaderSize + int64(i)*codec.LocSize
}

// trimKey drops a trailing NUL terminator if present, so keys compare
// cleanly regardless of whether the on-disk copy was null-padded.
func trimKey(raw []byte) string {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}

type dupKeyError string

func (e dupKeyError) Error() string { return "duplicate active key in slot table: " + string(e) }

func errDuplicateKey(key string) error { return dupKeyError(key) }
