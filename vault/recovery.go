package vault

import (
	"fmt"
	"os"

	"github.com/lpassig/vaultengine/internal/codec"
	"github.com/lpassig/vaultengine/internal/cryptoutil"
	"github.com/lpassig/vaultengine/internal/vaulterr"
)

// RecoveryBlobSize is the size of the doubly-encrypted master key blob
// exchanged with the remote backup service: a 64-byte onion of two
// secret-box layers (32-byte master + two 16-byte MACs) plus the two
// 24-byte nonces those layers were sealed with.
const RecoveryBlobSize = MasterKeySize + 2*MACSize + 2*NonceSize // 112

// RecoveryData is everything CreateDataForServer produces: the blob to
// hand the backup service, the salts it needs to verify each answer later
// without learning it, and the server-verification password.
type RecoveryData struct {
	Blob                                           [RecoveryBlobSize]byte
	DataSalt11, DataSalt12, DataSalt21, DataSalt22 [SaltSize]byte
	SecondPassSalt                                 [SaltSize]byte
	ServerPass                                     [cryptoutil.KeySize]byte
	DataEncr1, DataEncr2                           [cryptoutil.KeySize]byte
}

// CreateDataForServer splits the open vault's master key into a blob that
// two independently-held answers (r1, r2) can jointly decrypt, and
// derives a server-verification password from the vault's own derived
// key. Corresponds to spec.md §4.5.14.
func (e *Engine) CreateDataForServer(r1, r2 []byte) (RecoveryData, error) {
	var out RecoveryData
	if err := e.requireOpen(); err != nil {
		return out, err
	}
	e.log.Debug("create data for server")

	err := e.region.WithRW(func(buf []byte) error {
		derived := buf[offDerivedKey : offDerivedKey+lenDerivedKey]
		master := buf[offMaster : offMaster+lenMaster]

		salts := make([][]byte, 5)
		for i := range salts {
			s, err := cryptoutil.Random(SaltSize)
			if err != nil {
				return err
			}
			salts[i] = s
		}
		copy(out.DataSalt11[:], salts[0])
		copy(out.DataSalt12[:], salts[1])
		copy(out.DataSalt21[:], salts[2])
		copy(out.DataSalt22[:], salts[3])
		copy(out.SecondPassSalt[:], salts[4])

		serverPass, err := cryptoutil.DeriveKey(derived, out.SecondPassSalt[:])
		if err != nil {
			return err
		}
		out.ServerPass = serverPass

		data1Master, err := cryptoutil.DeriveKey(r1, out.DataSalt11[:])
		if err != nil {
			return err
		}
		data2Master, err := cryptoutil.DeriveKey(r2, out.DataSalt21[:])
		if err != nil {
			return err
		}

		dataEncr1, err := cryptoutil.DeriveKey(data1Master[:], out.DataSalt12[:])
		if err != nil {
			return err
		}
		dataEncr2, err := cryptoutil.DeriveKey(data2Master[:], out.DataSalt22[:])
		if err != nil {
			return err
		}
		out.DataEncr1 = dataEncr1
		out.DataEncr2 = dataEncr2

		var nonce1, nonce2 [cryptoutil.NonceSize]byte
		nb1, err := cryptoutil.Random(cryptoutil.NonceSize)
		if err != nil {
			return err
		}
		copy(nonce1[:], nb1)
		nb2, err := cryptoutil.Random(cryptoutil.NonceSize)
		if err != nil {
			return err
		}
		copy(nonce2[:], nb2)

		intermediate := cryptoutil.Encrypt(master, &nonce1, &data1Master)
		outer := cryptoutil.Encrypt(intermediate, &nonce2, &data2Master)

		copy(out.Blob[0:64], outer)
		copy(out.Blob[64:88], nonce1[:])
		copy(out.Blob[88:112], nonce2[:])
		return nil
	})
	if err != nil {
		e.log.Warn("create data for server failed", "error", vaulterr.CodeOf(err))
	}
	return out, err
}

// MakePasswordForServer derives the server-verification password from a
// plaintext password and both salts, without an open vault — used by a
// client that only has the password, not a live Engine.
func MakePasswordForServer(password []byte, passSalt, serverSalt [SaltSize]byte) ([cryptoutil.KeySize]byte, error) {
	var zero [cryptoutil.KeySize]byte
	derived, err := cryptoutil.DeriveKey(password, passSalt[:])
	if err != nil {
		return zero, err
	}
	return cryptoutil.DeriveKey(derived[:], serverSalt[:])
}

// CreatePasswordForServer derives the server-verification password from
// the currently open vault's already-derived key, avoiding a second
// Argon2id pass over the password.
func (e *Engine) CreatePasswordForServer(serverSalt [SaltSize]byte) ([cryptoutil.KeySize]byte, error) {
	var out [cryptoutil.KeySize]byte
	if err := e.requireOpen(); err != nil {
		return out, err
	}
	e.log.Debug("create password for server")
	err := e.region.WithRW(func(buf []byte) error {
		derived := buf[offDerivedKey : offDerivedKey+lenDerivedKey]
		k, err := cryptoutil.DeriveKey(derived, serverSalt[:])
		if err != nil {
			return err
		}
		out = k
		return nil
	})
	if err != nil {
		e.log.Warn("create password for server failed", "error", vaulterr.CodeOf(err))
	}
	return out, err
}

// CreateResponsesForServer recomputes the two answer-verification values
// from fresh answers and the four salts issued by CreateDataForServer,
// letting a client reprove knowledge of r1/r2 on a later login without
// ever decrypting the recovery blob.
func CreateResponsesForServer(r1, r2 []byte, dataSalt11, dataSalt12, dataSalt21, dataSalt22 [SaltSize]byte) (dataEncr1, dataEncr2 [cryptoutil.KeySize]byte, err error) {
	data1Master, err := cryptoutil.DeriveKey(r1, dataSalt11[:])
	if err != nil {
		return dataEncr1, dataEncr2, err
	}
	data2Master, err := cryptoutil.DeriveKey(r2, dataSalt21[:])
	if err != nil {
		return dataEncr1, dataEncr2, err
	}
	dataEncr1, err = cryptoutil.DeriveKey(data1Master[:], dataSalt12[:])
	if err != nil {
		return dataEncr1, dataEncr2, err
	}
	dataEncr2, err = cryptoutil.DeriveKey(data2Master[:], dataSalt22[:])
	return dataEncr1, dataEncr2, err
}

// UpdateKeyFromRecovery peels the two secret-box layers off a recovery
// blob using fresh answers, opens the named vault file directly (bypassing
// the lost password entirely, since the file's whole-file MAC is keyed by
// the master key it just recovered), re-wraps the master key under
// newPassword with a fresh salt and nonce, and returns the updated
// 108-byte header along with a server-verification password derived under
// serverSalt. The receiving Engine must be unopened; it is never left
// holding this vault open — the caller should Open it normally afterward.
func (e *Engine) UpdateKeyFromRecovery(directory, username string, r1, r2 []byte, dataSalt11, dataSalt21 [SaltSize]byte, blob [RecoveryBlobSize]byte, newPassword []byte, serverSalt [SaltSize]byte) (header108 []byte, serverPass [cryptoutil.KeySize]byte, err error) {
	if err = e.requireClosed(); err != nil {
		return nil, serverPass, err
	}
	e.log.Debug("update key from recovery", "directory", directory, "username", username)
	defer func() {
		if err != nil {
			e.log.Warn("update key from recovery failed", "username", username, "error", vaulterr.CodeOf(err))
		}
	}()
	if err = checkPassword(newPassword); err != nil {
		return nil, serverPass, err
	}

	data1Master, err := cryptoutil.DeriveKey(r1, dataSalt11[:])
	if err != nil {
		return nil, serverPass, err
	}
	data2Master, err := cryptoutil.DeriveKey(r2, dataSalt21[:])
	if err != nil {
		return nil, serverPass, err
	}

	outer := blob[0:64]
	var nonce1, nonce2 [cryptoutil.NonceSize]byte
	copy(nonce1[:], blob[64:88])
	copy(nonce2[:], blob[88:112])

	intermediate, err := cryptoutil.Decrypt(outer, &nonce2, &data2Master)
	if err != nil {
		return nil, serverPass, vaulterr.New(vaulterr.WrongPass, fmt.Errorf("recovery answer 2 incorrect"))
	}
	master, err := cryptoutil.Decrypt(intermediate, &nonce1, &data1Master)
	if err != nil {
		return nil, serverPass, vaulterr.New(vaulterr.WrongPass, fmt.Errorf("recovery answer 1 incorrect"))
	}

	path, perr := vaultPath(directory, username)
	if perr != nil {
		return nil, serverPass, perr
	}

	f, err := openNoFollow(path, os.O_RDWR, 0)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, serverPass, vaulterr.New(vaulterr.Exist, err)
		case os.IsPermission(err):
			return nil, serverPass, vaulterr.New(vaulterr.Access, err)
		default:
			return nil, serverPass, vaulterr.New(vaulterr.Syscall, err)
		}
	}
	closeOnErr := true
	defer func() {
		if closeOnErr {
			_ = f.Close()
		}
	}()

	if err = flockExclusive(f); err != nil {
		return nil, serverPass, err
	}
	defer func() {
		if closeOnErr {
			_ = flockRelease(f)
		}
	}()

	computed, err := codec.RehashFile(f, master, codec.HashSize)
	if err != nil {
		return nil, serverPass, err
	}
	size, err := codec.FileLen(f)
	if err != nil {
		return nil, serverPass, err
	}
	var trailing [codec.HashSize]byte
	if _, err = f.ReadAt(trailing[:], size-codec.HashSize); err != nil {
		return nil, serverPass, vaulterr.New(vaulterr.IOErr, err)
	}
	if !constantTimeEqual(computed[:], trailing[:]) {
		return nil, serverPass, vaulterr.New(vaulterr.File, fmt.Errorf("file MAC mismatch"))
	}

	header, err := codec.ReadHeader(f)
	if err != nil {
		return nil, serverPass, err
	}

	newSalt, err := cryptoutil.Random(SaltSize)
	if err != nil {
		return nil, serverPass, err
	}
	newDerived, err := cryptoutil.DeriveKey(newPassword, newSalt)
	if err != nil {
		return nil, serverPass, err
	}
	var newNonce [cryptoutil.NonceSize]byte
	nb, err := cryptoutil.Random(cryptoutil.NonceSize)
	if err != nil {
		return nil, serverPass, err
	}
	copy(newNonce[:], nb)

	copy(header.Salt[:], newSalt)
	copy(header.EncryptedMaster[:], cryptoutil.Encrypt(master, &newNonce, &newDerived))
	header.MasterNonce = newNonce
	if err = codec.WriteHeader(f, header); err != nil {
		return nil, serverPass, err
	}

	mac, err := codec.RehashFile(f, master, codec.HashSize)
	if err != nil {
		return nil, serverPass, err
	}
	if _, err = f.WriteAt(mac[:], size-codec.HashSize); err != nil {
		return nil, serverPass, vaulterr.New(vaulterr.IOErr, err)
	}

	serverPass, err = cryptoutil.DeriveKey(newDerived[:], serverSalt[:])
	if err != nil {
		return nil, serverPass, err
	}

	closeOnErr = false
	if err = flockRelease(f); err != nil {
		return nil, serverPass, err
	}
	if err = f.Close(); err != nil {
		return nil, serverPass, vaulterr.New(vaulterr.IOErr, err)
	}

	full := codec.EncodeHeader(header)
	return full[:HeaderSize-4], serverPass, nil
}
