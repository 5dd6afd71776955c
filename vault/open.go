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

// Open loads an existing vault file, verifying the password and the
// whole-file MAC, and rebuilds the in-memory key index. It corresponds to
// spec.md §4.5.3.
func (e *Engine) Open(directory, username string, password []byte) error {
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

	e.log.Debug("open vault", "path", path)

	f, err := openNoFollow(path, os.O_RDWR, 0)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return vaulterr.New(vaulterr.Exist, err)
		case os.IsPermission(err):
			return vaulterr.New(vaulterr.Access, err)
		default:
			return vaulterr.New(vaulterr.Syscall, err)
		}
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

	header, err := codec.ReadHeader(f)
	if err != nil {
		return err
	}

	var index *slotindex.Index
	err = e.region.WithRW(func(buf []byte) error {
		derived, err := cryptoutil.DeriveKey(password, header.Salt[:])
		if err != nil {
			return err
		}
		master, err := cryptoutil.Decrypt(header.EncryptedMaster[:], &header.MasterNonce, &derived)
		if err != nil {
			return vaulterr.New(vaulterr.WrongPass, errors.New("incorrect password"))
		}

		computed, err := codec.RehashFile(f, master, codec.HashSize)
		if err != nil {
			return err
		}
		size, err := codec.FileLen(f)
		if err != nil {
			return err
		}
		var trailing [codec.HashSize]byte
		if _, err := f.ReadAt(trailing[:], size-codec.HashSize); err != nil {
			return vaulterr.New(vaulterr.IOErr, err)
		}
		if !constantTimeEqual(computed[:], trailing[:]) {
			return vaulterr.New(vaulterr.File, fmt.Errorf("file MAC mismatch"))
		}

		index, err = slotindex.RebuildFromFile(f, master)
		if err != nil {
			return err
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
	e.index = index
	e.isOpen = true
	closeOnErr = false
	e.log.Debug("vault opened", "path", path, "keys", index.Len())
	return nil
}

// Close closes the vault file and zeros every secret the engine was
// holding for it, corresponding to spec.md §4.5.5.
func (e *Engine) Close() error {
	if err := e.requireOpen(); err != nil {
		return err
	}

	err := e.region.WithRW(func(buf []byte) error {
		for i := range buf[:offBoxValue+lenBoxValue] {
			buf[i] = 0
		}
		return nil
	})

	if e.locked {
		_ = flockRelease(e.file)
		e.locked = false
	}
	closeErr := e.file.Close()
	e.file = nil
	e.index = nil
	e.isOpen = false

	if err != nil {
		return err
	}
	if closeErr != nil {
		return vaulterr.New(vaulterr.IOErr, closeErr)
	}
	e.log.Debug("vault closed")
	return nil
}
