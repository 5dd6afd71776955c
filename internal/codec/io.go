package codec

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/lpassig/vaultengine/internal/cryptoutil"
	"github.com/lpassig/vaultengine/internal/vaulterr"
)

func ioErr(err error) error {
	if err == nil {
		return nil
	}
	return vaulterr.New(vaulterr.IOErr, err)
}

// ReadHeader reads and decodes the 112-byte header at offset 0.
func ReadHeader(f *os.File) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return Header{}, ioErr(err)
	}
	return DecodeHeader(buf[:]), nil
}

// DecodeHeader parses a HeaderSize-byte buffer into a Header.
func DecodeHeader(buf []byte) Header {
	var h Header
	h.Version = buf[offVersion]
	copy(h.Salt[:], buf[offSalt:offSalt+SaltSize])
	copy(h.EncryptedMaster[:], buf[offEncryptedMaster:offEncryptedMaster+encryptedMasterLen])
	copy(h.MasterNonce[:], buf[offMasterNonce:offMasterNonce+NonceSize])
	h.LastServerTimeMS = binary.LittleEndian.Uint64(buf[offLastServerTime : offLastServerTime+8])
	h.SlotCount = binary.LittleEndian.Uint32(buf[offSlotCount : offSlotCount+4])
	return h
}

// EncodeHeader serializes h into a HeaderSize-byte buffer.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[offVersion] = h.Version
	copy(buf[offSalt:], h.Salt[:])
	copy(buf[offEncryptedMaster:], h.EncryptedMaster[:])
	copy(buf[offMasterNonce:], h.MasterNonce[:])
	binary.LittleEndian.PutUint64(buf[offLastServerTime:], h.LastServerTimeMS)
	binary.LittleEndian.PutUint32(buf[offSlotCount:], h.SlotCount)
	return buf
}

// WriteHeader writes h at offset 0.
func WriteHeader(f *os.File, h Header) error {
	_, err := f.WriteAt(EncodeHeader(h), 0)
	return ioErr(err)
}

// slotOffset returns the byte offset of slot i's descriptor.
func slotOffset(i uint32) int64 {
	return HeaderSize + int64(i)*LocSize
}

// ReadSlot reads the i-th slot descriptor.
func ReadSlot(f *os.File, i uint32) (Slot, error) {
	var buf [LocSize]byte
	if _, err := f.ReadAt(buf[:], slotOffset(i)); err != nil {
		return Slot{}, ioErr(err)
	}
	return DecodeSlot(buf[:]), nil
}

// DecodeSlot parses a LocSize-byte buffer into a Slot.
func DecodeSlot(buf []byte) Slot {
	return Slot{
		State:      binary.LittleEndian.Uint32(buf[0:4]),
		FileOffset: binary.LittleEndian.Uint32(buf[4:8]),
		KeyLen:     binary.LittleEndian.Uint32(buf[8:12]),
		ValLen:     binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// EncodeSlot serializes s into a LocSize-byte buffer.
func EncodeSlot(s Slot) []byte {
	buf := make([]byte, LocSize)
	binary.LittleEndian.PutUint32(buf[0:4], s.State)
	binary.LittleEndian.PutUint32(buf[4:8], s.FileOffset)
	binary.LittleEndian.PutUint32(buf[8:12], s.KeyLen)
	binary.LittleEndian.PutUint32(buf[12:16], s.ValLen)
	return buf
}

// WriteSlot writes the i-th slot descriptor.
func WriteSlot(f *os.File, i uint32, s Slot) error {
	_, err := f.WriteAt(EncodeSlot(s), slotOffset(i))
	return ioErr(err)
}

// Entry is one decoded on-disk entry: plaintext key, authenticated
// ciphertext of the value, and the MAC over the whole record.
type Entry struct {
	MTime      uint64
	Type       uint8
	Key        []byte
	Ciphertext []byte // val_len + MACSize bytes
	Nonce      [NonceSize]byte
	EntryMAC   [HashSize]byte
}

// EncodeUnkeyed serializes every field of e except EntryMAC, i.e. the bytes
// the entry MAC is computed over.
func (e Entry) EncodeUnkeyed() []byte {
	buf := make([]byte, 0, EntryHeaderSize+len(e.Key)+len(e.Ciphertext)+NonceSize)
	var head [EntryHeaderSize]byte
	binary.LittleEndian.PutUint64(head[0:8], e.MTime)
	head[8] = e.Type
	buf = append(buf, head[:]...)
	buf = append(buf, e.Key...)
	buf = append(buf, e.Ciphertext...)
	buf = append(buf, e.Nonce[:]...)
	return buf
}

// Encode serializes e in full, including its trailing entry MAC.
func (e Entry) Encode() []byte {
	buf := e.EncodeUnkeyed()
	return append(buf, e.EntryMAC[:]...)
}

// DecodeEntry parses a raw buffer of EntrySize(keyLen, valLen) bytes into an
// Entry. It does not verify the entry MAC; callers verify separately so
// that verification failures can be distinguished from malformed buffers.
func DecodeEntry(buf []byte, keyLen, valLen uint32) (Entry, error) {
	want := EntrySize(keyLen, valLen)
	if uint32(len(buf)) != want {
		return Entry{}, vaulterr.New(vaulterr.File, fmt.Errorf("entry buffer is %d bytes, want %d", len(buf), want))
	}
	var e Entry
	e.MTime = binary.LittleEndian.Uint64(buf[0:8])
	e.Type = buf[8]
	off := uint32(EntryHeaderSize)
	e.Key = append([]byte(nil), buf[off:off+keyLen]...)
	off += keyLen
	ctLen := valLen + MACSize
	e.Ciphertext = append([]byte(nil), buf[off:off+ctLen]...)
	off += ctLen
	copy(e.Nonce[:], buf[off:off+NonceSize])
	off += NonceSize
	copy(e.EntryMAC[:], buf[off:off+HashSize])
	return e, nil
}

// ReadEntry reads totalLen bytes at off and decodes them as an entry with
// the given key/value lengths.
func ReadEntry(f *os.File, off int64, keyLen, valLen uint32) (Entry, error) {
	totalLen := EntrySize(keyLen, valLen)
	buf := make([]byte, totalLen)
	if _, err := f.ReadAt(buf, off); err != nil {
		return Entry{}, ioErr(err)
	}
	return DecodeEntry(buf, keyLen, valLen)
}

// WriteEntryAt writes the full encoded entry (including its MAC) at off.
func WriteEntryAt(f *os.File, off int64, e Entry) error {
	_, err := f.WriteAt(e.Encode(), off)
	return ioErr(err)
}

// FileLen returns the current size of f.
func FileLen(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, ioErr(err)
	}
	return fi.Size(), nil
}

// Truncate sets the size of f to length.
func Truncate(f *os.File, length int64) error {
	return ioErr(f.Truncate(length))
}

// RehashFile recomputes the whole-file keyed hash, reading in 1024-byte
// chunks so the whole file never needs to be resident in memory at once.
// omitTrailing excludes that many bytes at EOF from the hash — 0 when no
// MAC is present yet, HashSize when a stale MAC still trails the file.
func RehashFile(f *os.File, key []byte, omitTrailing int64) ([HashSize]byte, error) {
	var zero [HashSize]byte
	size, err := FileLen(f)
	if err != nil {
		return zero, err
	}
	limit := size - omitTrailing
	if limit < 0 {
		return zero, vaulterr.New(vaulterr.File, fmt.Errorf("omitTrailing %d exceeds file size %d", omitTrailing, size))
	}

	h, err := cryptoutil.NewIncrementalHash(key)
	if err != nil {
		return zero, err
	}

	const chunkSize = 1024
	buf := make([]byte, chunkSize)
	var off int64
	for off < limit {
		n := chunkSize
		if remaining := limit - off; int64(n) > remaining {
			n = int(remaining)
		}
		if _, err := f.ReadAt(buf[:n], off); err != nil {
			return zero, ioErr(err)
		}
		h.Write(buf[:n])
		off += int64(n)
	}
	return h.Sum(), nil
}
