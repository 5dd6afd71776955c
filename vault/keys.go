package vault

import (
	"encoding/binary"
	"fmt"

	"github.com/lpassig/vaultengine/internal/codec"
	"github.com/lpassig/vaultengine/internal/cryptoutil"
	"github.com/lpassig/vaultengine/internal/slotindex"
	"github.com/lpassig/vaultengine/internal/vaulterr"
)

// AddKey encrypts value under the vault's master key and appends it as a
// new entry, corresponding to spec.md §4.5.6. It fails with KeyExist if
// key is already present; use UpdateKey to replace an existing key.
func (e *Engine) AddKey(keyType uint8, key string, value []byte, mtime uint64) error {
	if err := e.requireOpen(); err != nil {
		return err
	}
	e.log.Debug("add key", "key", key)
	if err := checkKey(key); err != nil {
		return err
	}
	if err := checkValue(value); err != nil {
		return err
	}
	if _, exists := e.index.Get(key); exists {
		e.log.Warn("add key: already exists", "key", key)
		return vaulterr.New(vaulterr.KeyExist, fmt.Errorf("key already exists"))
	}

	err := e.region.WithRW(func(buf []byte) error {
		master := buf[offMaster : offMaster+lenMaster]

		slotIdx, err := e.reserveSlot(buf, master)
		if err != nil {
			return err
		}

		var nonce [cryptoutil.NonceSize]byte
		nb, err := cryptoutil.Random(cryptoutil.NonceSize)
		if err != nil {
			return err
		}
		copy(nonce[:], nb)

		var masterKey [cryptoutil.KeySize]byte
		copy(masterKey[:], master)
		ciphertext := cryptoutil.Encrypt(value, &nonce, &masterKey)

		entry := codec.Entry{
			MTime:      mtime,
			Type:       keyType,
			Key:        []byte(key),
			Ciphertext: ciphertext,
			Nonce:      nonce,
		}
		mac, err := cryptoutil.KeyedHash(entry.EncodeUnkeyed(), master)
		if err != nil {
			return err
		}
		entry.EntryMAC = mac

		if err := e.appendEntryBytes(master, slotIdx, uint32(len(key)), uint32(len(value)), entry.Encode()); err != nil {
			return err
		}

		e.index.Put(key, slotindex.Descriptor{
			InodeLoc: codec.HeaderSize + int64(slotIdx)*codec.LocSize,
			MTime:    mtime,
			Type:     keyType,
		})
		return nil
	})
	if err != nil {
		e.log.Warn("add key failed", "key", key, "error", vaulterr.CodeOf(err))
		return err
	}
	return nil
}

// AddEncryptedValue imports a previously exported entry blob (as returned
// by GetEncryptedValue) under key, re-stamping its mtime without ever
// decrypting the value, corresponding to spec.md §4.5.7. The key bytes are
// stored inside the blob and covered by its MAC and are not rewritten, so
// key must be the key the blob was exported under; key must not already be
// present in this vault.
func (e *Engine) AddEncryptedValue(key string, entryBytes []byte, keyType uint8, mtime uint64) error {
	if err := e.requireOpen(); err != nil {
		return err
	}
	e.log.Debug("add encrypted value", "key", key)
	if err := checkKey(key); err != nil {
		return err
	}
	if _, exists := e.index.Get(key); exists {
		e.log.Warn("add encrypted value: already exists", "key", key)
		return vaulterr.New(vaulterr.KeyExist, fmt.Errorf("key already exists"))
	}

	keyLen := uint32(len(key))
	const fixed = codec.EntryHeaderSize + codec.MACSize + codec.NonceSize + codec.HashSize
	if uint32(len(entryBytes)) < keyLen+fixed {
		return vaulterr.New(vaulterr.ParamErr, fmt.Errorf("encrypted entry too short"))
	}
	valLen := uint32(len(entryBytes)) - keyLen - fixed
	if valLen > codec.DataSize {
		return vaulterr.New(vaulterr.ParamErr, fmt.Errorf("value exceeds DATA_SIZE"))
	}

	err := e.region.WithRW(func(buf []byte) error {
		master := buf[offMaster : offMaster+lenMaster]

		raw := append([]byte(nil), entryBytes...)
		unkeyed := raw[:len(raw)-codec.HashSize]
		trailingMAC := raw[len(raw)-codec.HashSize:]
		computed, err := cryptoutil.KeyedHash(unkeyed, master)
		if err != nil {
			return err
		}
		if !constantTimeEqual(computed[:], trailingMAC) {
			return vaulterr.New(vaulterr.File, fmt.Errorf("imported entry MAC mismatch"))
		}

		binary.LittleEndian.PutUint64(raw[0:8], mtime)
		newMAC, err := cryptoutil.KeyedHash(raw[:len(raw)-codec.HashSize], master)
		if err != nil {
			return err
		}
		copy(raw[len(raw)-codec.HashSize:], newMAC[:])

		slotIdx, err := e.reserveSlot(buf, master)
		if err != nil {
			return err
		}

		if err := e.appendEntryBytes(master, slotIdx, keyLen, valLen, raw); err != nil {
			return err
		}

		e.index.Put(key, slotindex.Descriptor{
			InodeLoc: codec.HeaderSize + int64(slotIdx)*codec.LocSize,
			MTime:    mtime,
			Type:     keyType,
		})
		return nil
	})
	if err != nil {
		e.log.Warn("add encrypted value failed", "key", key, "error", vaulterr.CodeOf(err))
		return err
	}
	return nil
}
