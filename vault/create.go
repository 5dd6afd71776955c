package vault

import (
	"errors"
	"fmt"
	"os"

	"github.com/lpassig/vaultengine/internal/codec"
	"github.com/lpassig/vaultengine/internal/cryptoutil"
	"github.com/lpassig/vaultengine/internal/slotindex"
	"github.com/lpassig/vaultengine/internal/vaulterr"
)

// Create makes a fresh vault file at {directory}/{username}.vault, owned
// exclusively by this engine handle. It corresponds to spec.md §4.5.2.
func (e *Engine) Create(directory, username string, password []byte) error {
	if err := e.requireClosed(); err != nil {
		return err
	}
	if err := checkPassword(password); err != nil {
		return err
	}
	path, err := vaultPath(directory, username)
	if err != nil {
		return err
	}

	e.log.Debug("create vault", "path", path)

	f, err := openExclusiveCreate(path)
	if err != nil {
		return err
	}
	closeOnErr := true
	defer func() {
		if closeOnErr {
			_ = f.Close()
		}
	}()

	if err := flockExclusive(f); err != nil {
		return err
	}

	salt, err := cryptoutil.Random(SaltSize)
	if err != nil {
		return err
	}
	master, err := cryptoutil.SecretboxKeygen()
	if err != nil {
		return err
	}
	var nonce [cryptoutil.NonceSize]byte
	nb, err := cryptoutil.Random(cryptoutil.NonceSize)
	if err != nil {
		return err
	}
	copy(nonce[:], nb)

	err = e.region.WithRW(func(buf []byte) error {
		derived, err := cryptoutil.DeriveKey(password, salt)
		if err != nil {
			return err
		}

		var header codec.Header
		header.Version = codec.Version
		copy(header.Salt[:], salt)
		copy(header.EncryptedMaster[:], cryptoutil.Encrypt(master[:], &nonce, &derived))
		header.MasterNonce = nonce
		header.LastServerTimeMS = 0
		header.SlotCount = codec.InitialSize

		if err := codec.WriteHeader(f, header); err != nil {
			return err
		}
		zeros := make([]byte, codec.InitialSize*codec.LocSize)
		if _, err := f.WriteAt(zeros, codec.HeaderSize); err != nil {
			return vaulterr.New(vaulterr.IOErr, err)
		}

		mac, err := codec.RehashFile(f, master[:], 0)
		if err != nil {
			return err
		}
		size, err := codec.FileLen(f)
		if err != nil {
			return err
		}
		if _, err := f.WriteAt(mac[:], size); err != nil {
			return vaulterr.New(vaulterr.IOErr, err)
		}

		copy(buf[offDerivedKey:offDerivedKey+lenDerivedKey], derived[:])
		copy(buf[offMaster:offMaster+lenMaster], master[:])
		clearCurrentBox(buf)

		return nil
	})
	if err != nil {
		_ = flockRelease(f)
		return err
	}

	e.file = f
	e.locked = true
	e.index = slotindex.New(codec.InitialSize)
	e.isOpen = true
	closeOnErr = false
	e.log.Debug("vault created", "path", path)
	return nil
}

// CreateFromHeader re-creates a local vault file from a 108-byte header
// recovered from a remote backup and the password that unlocks it,
// corresponding to spec.md §4.5.4. Only header bytes 0..108 (up to but
// excluding slot_count) are supplied; slot_count and the slot table are
// regenerated fresh.
func (e *Engine) CreateFromHeader(directory, username string, password []byte, header108 []byte) error {
	if err := e.requireClosed(); err != nil {
		return err
	}
	if err := checkPassword(password); err != nil {
		return err
	}
	if len(header108) != HeaderSize-4 {
		return vaulterr.New(vaulterr.ParamErr, fmt.Errorf("header must be %d bytes, got %d", HeaderSize-4, len(header108)))
	}
	path, err := vaultPath(directory, username)
	if err != nil {
		return err
	}

	header := codec.DecodeHeader(append(append([]byte(nil), header108...), make([]byte, 4)...))

	derived, err := cryptoutil.DeriveKey(password, header.Salt[:])
	if err != nil {
		return err
	}
	master, err := cryptoutil.Decrypt(header.EncryptedMaster[:], &header.MasterNonce, &derived)
	if err != nil {
		return vaulterr.New(vaulterr.WrongPass, errors.New("password does not unlock supplied header"))
	}

	f, err := openExclusiveCreate(path)
	if err != nil {
		return err
	}
	closeOnErr := true
	defer func() {
		if closeOnErr {
			_ = f.Close()
		}
	}()

	if err := flockExclusive(f); err != nil {
		return err
	}

	err = e.region.WithRW(func(buf []byte) error {
		header.SlotCount = codec.InitialSize
		if err := codec.WriteHeader(f, header); err != nil {
			return err
		}
		zeros := make([]byte, codec.InitialSize*codec.LocSize)
		if _, err := f.WriteAt(zeros, codec.HeaderSize); err != nil {
			return vaulterr.New(vaulterr.IOErr, err)
		}

		mac, err := codec.RehashFile(f, master, 0)
		if err != nil {
			return err
		}
		size, err := codec.FileLen(f)
		if err != nil {
			return err
		}
		if _, err := f.WriteAt(mac[:], size); err != nil {
			return vaulterr.New(vaulterr.IOErr, err)
		}

		copy(buf[offDerivedKey:offDerivedKey+lenDerivedKey], derived[:])
		copy(buf[offMaster:offMaster+lenMaster], master)
		clearCurrentBox(buf)
		return nil
	})
	if err != nil {
		_ = flockRelease(f)
		return err
	}

	e.file = f
	e.locked = true
	e.index = slotindex.New(codec.InitialSize)
	e.isOpen = true
	closeOnErr = false
	e.log.Debug("vault created from recovered header", "path", path)
	return nil
}

func openExclusiveCreate(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR|os.O_SYNC, 0600)
	if err != nil {
		switch {
		case os.IsExist(err):
			return nil, vaulterr.New(vaulterr.Exist, err)
		case os.IsPermission(err):
			return nil, vaulterr.New(vaulterr.Access, err)
		default:
			return nil, vaulterr.New(vaulterr.Syscall, err)
		}
	}
	return f, nil
}

// clearCurrentBox zeros the current-box fields of the secure region (key,
// type, value length, and value) so no key is considered "currently open".
func clearCurrentBox(buf []byte) {
	for i := offBoxKey; i < offBoxValue+lenBoxValue; i++ {
		buf[i] = 0
	}
}
