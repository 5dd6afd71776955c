package vault

import (
	"errors"

	"github.com/lpassig/vaultengine/internal/codec"
	"github.com/lpassig/vaultengine/internal/cryptoutil"
	"github.com/lpassig/vaultengine/internal/vaulterr"
)

// ChangePassword re-wraps the vault's master key under a fresh salt,
// nonce, and derived key from newPassword, after confirming oldPassword
// unlocks the vault currently held open. Corresponds to spec.md §4.5.13.
func (e *Engine) ChangePassword(oldPassword, newPassword []byte) error {
	if err := e.requireOpen(); err != nil {
		return err
	}
	if err := checkPassword(oldPassword); err != nil {
		return err
	}
	if err := checkPassword(newPassword); err != nil {
		return err
	}
	e.log.Debug("change password")

	err := e.region.WithRW(func(buf []byte) error {
		header, err := codec.ReadHeader(e.file)
		if err != nil {
			return err
		}

		oldDerived, err := cryptoutil.DeriveKey(oldPassword, header.Salt[:])
		if err != nil {
			return err
		}
		oldMaster, err := cryptoutil.Decrypt(header.EncryptedMaster[:], &header.MasterNonce, &oldDerived)
		if err != nil {
			return vaulterr.New(vaulterr.WrongPass, errors.New("incorrect current password"))
		}

		master := buf[offMaster : offMaster+lenMaster]
		if !constantTimeEqual(oldMaster, master) {
			return vaulterr.New(vaulterr.WrongPass, errors.New("vault was opened under a different password"))
		}

		newSalt, err := cryptoutil.Random(SaltSize)
		if err != nil {
			return err
		}
		newDerived, err := cryptoutil.DeriveKey(newPassword, newSalt)
		if err != nil {
			return err
		}
		var newNonce [cryptoutil.NonceSize]byte
		nb, err := cryptoutil.Random(cryptoutil.NonceSize)
		if err != nil {
			return err
		}
		copy(newNonce[:], nb)

		copy(header.Salt[:], newSalt)
		copy(header.EncryptedMaster[:], cryptoutil.Encrypt(master, &newNonce, &newDerived))
		header.MasterNonce = newNonce
		if err := codec.WriteHeader(e.file, header); err != nil {
			return err
		}

		if err := e.rehashAndReplaceTrailingMAC(master); err != nil {
			return err
		}

		copy(buf[offDerivedKey:offDerivedKey+lenDerivedKey], newDerived[:])
		return nil
	})
	if err != nil {
		e.log.Warn("change password failed", "error", vaulterr.CodeOf(err))
		return err
	}
	return nil
}
