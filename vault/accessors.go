package vault

import (
	"fmt"

	"github.com/lpassig/vaultengine/internal/codec"
	"github.com/lpassig/vaultengine/internal/vaulterr"
)

// NumVaultKeys returns the number of keys currently stored, corresponding
// to spec.md §4.5.16.
func (e *Engine) NumVaultKeys() (int, error) {
	if err := e.requireOpen(); err != nil {
		return 0, err
	}
	e.log.Debug("num vault keys")
	return e.index.Len(), nil
}

// GetVaultKeys returns every key currently stored, in unspecified order.
func (e *Engine) GetVaultKeys() ([]string, error) {
	if err := e.requireOpen(); err != nil {
		return nil, err
	}
	e.log.Debug("get vault keys")
	return e.index.Keys(), nil
}

// LastModifiedTime returns the mtime recorded for key.
func (e *Engine) LastModifiedTime(key string) (uint64, error) {
	if err := e.requireOpen(); err != nil {
		return 0, err
	}
	e.log.Debug("last modified time", "key", key)
	desc, ok := e.index.Get(key)
	if !ok {
		e.log.Warn("last modified time: not found", "key", key)
		return 0, vaulterr.New(vaulterr.KeyExist, fmt.Errorf("key not found"))
	}
	return desc.MTime, nil
}

// GetHeader returns the first HeaderSize-4 bytes of the vault's header —
// everything up to but excluding slot_count — suitable for handing to a
// remote backup service and later replaying through CreateFromHeader.
func (e *Engine) GetHeader() ([]byte, error) {
	if err := e.requireOpen(); err != nil {
		return nil, err
	}
	e.log.Debug("get header")
	header, err := codec.ReadHeader(e.file)
	if err != nil {
		e.log.Warn("get header failed", "error", vaulterr.CodeOf(err))
		return nil, err
	}
	full := codec.EncodeHeader(header)
	return full[:HeaderSize-4], nil
}

// GetLastServerTime returns the header's last-acknowledged server
// timestamp, in milliseconds.
func (e *Engine) GetLastServerTime() (uint64, error) {
	if err := e.requireOpen(); err != nil {
		return 0, err
	}
	e.log.Debug("get last server time")
	header, err := codec.ReadHeader(e.file)
	if err != nil {
		e.log.Warn("get last server time failed", "error", vaulterr.CodeOf(err))
		return 0, err
	}
	return header.LastServerTimeMS, nil
}

// SetLastServerTime updates the header's last-acknowledged server
// timestamp and recomputes the whole-file MAC to cover the change,
// resolving spec.md §9 Open Question 3 in favor of keeping the header
// authenticated at all times rather than leaving a window where it isn't.
func (e *Engine) SetLastServerTime(ms uint64) error {
	if err := e.requireOpen(); err != nil {
		return err
	}
	e.log.Debug("set last server time", "ms", ms)
	err := e.region.WithRW(func(buf []byte) error {
		header, err := codec.ReadHeader(e.file)
		if err != nil {
			return err
		}
		header.LastServerTimeMS = ms
		if err := codec.WriteHeader(e.file, header); err != nil {
			return err
		}

		master := buf[offMaster : offMaster+lenMaster]
		return e.rehashAndReplaceTrailingMAC(master)
	})
	if err != nil {
		e.log.Warn("set last server time failed", "error", vaulterr.CodeOf(err))
		return err
	}
	return nil
}
