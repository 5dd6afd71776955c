package vault

import (
	"encoding/binary"
	"fmt"

	"github.com/lpassig/vaultengine/internal/codec"
	"github.com/lpassig/vaultengine/internal/cryptoutil"
	"github.com/lpassig/vaultengine/internal/vaulterr"
)

// OpenKey decrypts the named key's value into the engine's guarded
// "currently open" box, verifying its entry MAC first. If key is already
// the open key, this does no I/O, corresponding to spec.md §4.5.8.
func (e *Engine) OpenKey(key string) error {
	if err := e.requireOpen(); err != nil {
		return err
	}
	e.log.Debug("open key", "key", key)
	desc, ok := e.index.Get(key)
	if !ok {
		e.log.Warn("open key: not found", "key", key)
		return vaulterr.New(vaulterr.KeyExist, fmt.Errorf("key not found"))
	}
	slotIdx := slotIndexFromInode(desc.InodeLoc)

	err := e.region.WithRW(func(buf []byte) error {
		if isBoxOpenFor(buf, key) {
			return nil
		}

		master := buf[offMaster : offMaster+lenMaster]
		slot, err := codec.ReadSlot(e.file, slotIdx)
		if err != nil {
			return err
		}
		entry, err := codec.ReadEntry(e.file, int64(slot.FileOffset), slot.KeyLen, slot.ValLen)
		if err != nil {
			return err
		}

		mac, err := cryptoutil.KeyedHash(entry.EncodeUnkeyed(), master)
		if err != nil {
			return err
		}
		if !constantTimeEqual(mac[:], entry.EntryMAC[:]) {
			return vaulterr.New(vaulterr.File, fmt.Errorf("entry MAC mismatch for key %q", key))
		}

		var masterKey [cryptoutil.KeySize]byte
		copy(masterKey[:], master)
		plain, err := cryptoutil.Decrypt(entry.Ciphertext, &entry.Nonce, &masterKey)
		if err != nil {
			return vaulterr.New(vaulterr.CryptoErr, err)
		}

		clearCurrentBox(buf)
		copy(buf[offBoxKey:offBoxKey+len(key)], key)
		buf[offBoxType] = entry.Type
		binary.LittleEndian.PutUint32(buf[offBoxValLen:offBoxValLen+4], uint32(len(plain)))
		copy(buf[offBoxValue:offBoxValue+len(plain)], plain)
		return nil
	})
	if err != nil {
		e.log.Warn("open key failed", "key", key, "error", vaulterr.CodeOf(err))
		return err
	}
	return nil
}

// PlaceOpenValue copies the plaintext of the currently-open key into dst,
// returning the number of bytes written along with its stored type and
// mtime, corresponding to spec.md §4.5.9.
func (e *Engine) PlaceOpenValue(dst []byte) (n int, keyType uint8, mtime uint64, err error) {
	if err = e.requireOpen(); err != nil {
		return 0, 0, 0, err
	}
	e.log.Debug("place open value")

	err = e.region.WithRW(func(buf []byte) error {
		if isBoxEmpty(buf) {
			return vaulterr.New(vaulterr.ParamErr, fmt.Errorf("no key is currently open"))
		}
		valLen := boxValLen(buf)
		if int(valLen) > len(dst) {
			return vaulterr.New(vaulterr.ParamErr, fmt.Errorf("destination buffer too small"))
		}

		n = int(valLen)
		keyType = buf[offBoxType]
		copy(dst[:n], buf[offBoxValue:offBoxValue+n])

		if desc, ok := e.index.Get(trimBoxKey(buf)); ok {
			mtime = desc.MTime
		}
		return nil
	})
	if err != nil {
		e.log.Warn("place open value failed", "error", vaulterr.CodeOf(err))
		return 0, 0, 0, err
	}
	return n, keyType, mtime, nil
}
