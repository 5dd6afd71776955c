package vault

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/lpassig/vaultengine/internal/vaulterr"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Release() })
	return e
}

func TestCreateOpenCloseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)

	if err := e.Create(dir, "alice", []byte("hunter2")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "alice.vault")); err != nil {
		t.Fatalf("vault file missing: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := e.Open(dir, "alice", []byte("hunter2")); err != nil {
		t.Fatalf("Open: %v", err)
	}
	n, err := e.NumVaultKeys()
	if err != nil || n != 0 {
		t.Fatalf("NumVaultKeys = %d, %v, want 0, nil", n, err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenWrongPasswordFails(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	if err := e.Create(dir, "bob", []byte("correct-horse")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := e.Open(dir, "bob", []byte("wrong-guess"))
	if vaulterr.CodeOf(err) != vaulterr.WrongPass {
		t.Fatalf("Open with wrong password = %v, want WRONGPASS", err)
	}
}

func TestAddOpenKeyAndPlaceValueRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	if err := e.Create(dir, "carol", []byte("s3cr3t")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	want := []byte("correct horse battery staple")
	if err := e.AddKey(1, "github.com", want, 1000); err != nil {
		t.Fatalf("AddKey: %v", err)
	}

	if err := e.OpenKey("github.com"); err != nil {
		t.Fatalf("OpenKey: %v", err)
	}
	dst := make([]byte, MaxValueSize())
	n, typ, mtime, err := e.PlaceOpenValue(dst)
	if err != nil {
		t.Fatalf("PlaceOpenValue: %v", err)
	}
	if !bytes.Equal(dst[:n], want) {
		t.Fatalf("PlaceOpenValue = %q, want %q", dst[:n], want)
	}
	if typ != 1 || mtime != 1000 {
		t.Fatalf("PlaceOpenValue type/mtime = %d/%d, want 1/1000", typ, mtime)
	}

	// Re-opening the same key must be a no-op, not an error, and must not
	// disturb the already-placed value.
	if err := e.OpenKey("github.com"); err != nil {
		t.Fatalf("OpenKey (second time): %v", err)
	}
	n2, _, _, err := e.PlaceOpenValue(dst)
	if err != nil || !bytes.Equal(dst[:n2], want) {
		t.Fatalf("PlaceOpenValue after second OpenKey = %q, %v, want %q", dst[:n2], err, want)
	}
}

func TestAddKeyRejectsDuplicate(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	if err := e.Create(dir, "dave", []byte("pw")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.AddKey(0, "k", []byte("v"), 1); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	err := e.AddKey(0, "k", []byte("v2"), 2)
	if vaulterr.CodeOf(err) != vaulterr.KeyExist {
		t.Fatalf("AddKey duplicate = %v, want KEYEXIST", err)
	}
}

func TestDeleteThenReopenFails(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	if err := e.Create(dir, "erin", []byte("pw")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.AddKey(0, "k", []byte("v"), 1); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	if err := e.DeleteKey("k"); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if _, err := e.LastModifiedTime("k"); vaulterr.CodeOf(err) != vaulterr.KeyExist {
		t.Fatalf("LastModifiedTime after delete = %v, want KEYEXIST", err)
	}
	if err := e.OpenKey("k"); vaulterr.CodeOf(err) != vaulterr.KeyExist {
		t.Fatalf("OpenKey after delete = %v, want KEYEXIST", err)
	}
}

func TestUpdateKeyReplacesValue(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	if err := e.Create(dir, "frank", []byte("pw")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.AddKey(0, "k", []byte("old"), 1); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	if err := e.UpdateKey(0, "k", []byte("new"), 2); err != nil {
		t.Fatalf("UpdateKey: %v", err)
	}

	if err := e.OpenKey("k"); err != nil {
		t.Fatalf("OpenKey: %v", err)
	}
	dst := make([]byte, MaxValueSize())
	n, _, mtime, err := e.PlaceOpenValue(dst)
	if err != nil {
		t.Fatalf("PlaceOpenValue: %v", err)
	}
	if string(dst[:n]) != "new" || mtime != 2 {
		t.Fatalf("PlaceOpenValue = %q/%d, want new/2", dst[:n], mtime)
	}
}

func TestCompactReclaimsDeletedSlotsAndPreservesSurvivors(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	if err := e.Create(dir, "gina", []byte("pw")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < InitialSlotCountForTest; i++ {
		key := "k" + string(rune('a'+i))
		if err := e.AddKey(0, key, []byte("v"), uint64(i)); err != nil {
			t.Fatalf("AddKey(%s): %v", key, err)
		}
	}
	// Delete half of them, then add one more key; this must either find a
	// reclaimed slot directly or trigger an automatic compaction.
	for i := 0; i < InitialSlotCountForTest/2; i++ {
		key := "k" + string(rune('a'+i))
		if err := e.DeleteKey(key); err != nil {
			t.Fatalf("DeleteKey(%s): %v", key, err)
		}
	}
	if err := e.AddKey(0, "overflow", []byte("v"), 999); err != nil {
		t.Fatalf("AddKey(overflow): %v", err)
	}

	survivorKey := "k" + string(rune('a'+InitialSlotCountForTest-1))
	if err := e.OpenKey(survivorKey); err != nil {
		t.Fatalf("OpenKey(%s) after compaction pressure: %v", survivorKey, err)
	}
	dst := make([]byte, MaxValueSize())
	n, _, _, err := e.PlaceOpenValue(dst)
	if err != nil {
		t.Fatalf("PlaceOpenValue: %v", err)
	}
	if string(dst[:n]) != "v" {
		t.Fatalf("survivor value = %q, want v", dst[:n])
	}

	if err := e.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	n2, err := e.NumVaultKeys()
	if err != nil {
		t.Fatalf("NumVaultKeys: %v", err)
	}
	want := InitialSlotCountForTest/2 + 1
	if n2 != want {
		t.Fatalf("NumVaultKeys after compact = %d, want %d", n2, want)
	}
}

// InitialSlotCountForTest mirrors codec.InitialSize without importing the
// internal package from an external-looking test; it only needs to be
// large enough to force at least one compaction cycle under deletion
// pressure.
const InitialSlotCountForTest = 16

func TestExportImportRoundTripWithinSameVault(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	if err := e.Create(dir, "harold", []byte("pw")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.AddKey(3, "source", []byte("payload"), 42); err != nil {
		t.Fatalf("AddKey: %v", err)
	}

	blob, typ, mtime, err := e.GetEncryptedValue("source")
	if err != nil {
		t.Fatalf("GetEncryptedValue: %v", err)
	}
	if typ != 3 || mtime != 42 {
		t.Fatalf("GetEncryptedValue type/mtime = %d/%d, want 3/42", typ, mtime)
	}

	if err := e.AddEncryptedValue("imported", blob, typ, 100); err != nil {
		t.Fatalf("AddEncryptedValue: %v", err)
	}
	if err := e.OpenKey("imported"); err != nil {
		t.Fatalf("OpenKey(imported): %v", err)
	}
	dst := make([]byte, MaxValueSize())
	n, _, mtime2, err := e.PlaceOpenValue(dst)
	if err != nil {
		t.Fatalf("PlaceOpenValue: %v", err)
	}
	if string(dst[:n]) != "payload" || mtime2 != 100 {
		t.Fatalf("imported value/mtime = %q/%d, want payload/100", dst[:n], mtime2)
	}
}

func TestChangePasswordThenReopen(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	if err := e.Create(dir, "irene", []byte("old-pw")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.AddKey(0, "k", []byte("v"), 1); err != nil {
		t.Fatalf("AddKey: %v", err)
	}
	if err := e.ChangePassword([]byte("old-pw"), []byte("new-pw")); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := e.Open(dir, "irene", []byte("old-pw")); vaulterr.CodeOf(err) != vaulterr.WrongPass {
		t.Fatalf("Open with old password after change = %v, want WRONGPASS", err)
	}
	if err := e.Open(dir, "irene", []byte("new-pw")); err != nil {
		t.Fatalf("Open with new password: %v", err)
	}
	if err := e.OpenKey("k"); err != nil {
		t.Fatalf("OpenKey after password change: %v", err)
	}
}

func TestRecoveryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	if err := e.Create(dir, "jane", []byte("original-pw")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.AddKey(0, "k", []byte("v"), 7); err != nil {
		t.Fatalf("AddKey: %v", err)
	}

	r1, r2 := []byte("red"), []byte("blue")
	data, err := e.CreateDataForServer(r1, r2)
	if err != nil {
		t.Fatalf("CreateDataForServer: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recoverer := newEngine(t)
	var serverSalt [SaltSize]byte
	copy(serverSalt[:], bytes.Repeat([]byte{0x42}, SaltSize))
	_, _, err = recoverer.UpdateKeyFromRecovery(dir, "jane", r1, r2, data.DataSalt11, data.DataSalt21, data.Blob, []byte("new-pw"), serverSalt)
	if err != nil {
		t.Fatalf("UpdateKeyFromRecovery: %v", err)
	}

	if err := e.Open(dir, "jane", []byte("new-pw")); err != nil {
		t.Fatalf("Open with recovered password: %v", err)
	}
	if err := e.OpenKey("k"); err != nil {
		t.Fatalf("OpenKey after recovery: %v", err)
	}
	dst := make([]byte, MaxValueSize())
	n, _, _, err := e.PlaceOpenValue(dst)
	if err != nil {
		t.Fatalf("PlaceOpenValue after recovery: %v", err)
	}
	if string(dst[:n]) != "v" {
		t.Fatalf("recovered value = %q, want v", dst[:n])
	}
}

func TestRecoveryWrongAnswerFails(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	if err := e.Create(dir, "kelly", []byte("pw")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	data, err := e.CreateDataForServer([]byte("red"), []byte("blue"))
	if err != nil {
		t.Fatalf("CreateDataForServer: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recoverer := newEngine(t)
	var serverSalt [SaltSize]byte
	_, _, err = recoverer.UpdateKeyFromRecovery(dir, "kelly", []byte("wrong"), []byte("blue"), data.DataSalt11, data.DataSalt21, data.Blob, []byte("new-pw"), serverSalt)
	if vaulterr.CodeOf(err) != vaulterr.WrongPass {
		t.Fatalf("UpdateKeyFromRecovery with wrong answer = %v, want WRONGPASS", err)
	}
}

func TestKeyAndValueBoundaries(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	if err := e.Create(dir, "len", []byte("pw")); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := e.AddKey(0, "", []byte("v"), 1); vaulterr.CodeOf(err) != vaulterr.ParamErr {
		t.Fatalf("AddKey with empty key = %v, want PARAMERR", err)
	}

	maxKey := string(bytes.Repeat([]byte{'a'}, BoxKeySize-1))
	if err := e.AddKey(0, maxKey, []byte("v"), 1); err != nil {
		t.Fatalf("AddKey with BOX_KEY_SIZE-1 key: %v", err)
	}
	tooLongKey := string(bytes.Repeat([]byte{'a'}, BoxKeySize))
	if err := e.AddKey(0, tooLongKey, []byte("v"), 1); vaulterr.CodeOf(err) != vaulterr.ParamErr {
		t.Fatalf("AddKey with BOX_KEY_SIZE key = %v, want PARAMERR", err)
	}

	maxValue := bytes.Repeat([]byte{'x'}, DataSize)
	if err := e.AddKey(0, "maxval", maxValue, 1); err != nil {
		t.Fatalf("AddKey with DATA_SIZE value: %v", err)
	}
	tooLongValue := bytes.Repeat([]byte{'x'}, DataSize+1)
	if err := e.AddKey(0, "toolong", tooLongValue, 1); vaulterr.CodeOf(err) != vaulterr.ParamErr {
		t.Fatalf("AddKey with DATA_SIZE+1 value = %v, want PARAMERR", err)
	}
}

func TestOperationsOnClosedVaultFail(t *testing.T) {
	e := newEngine(t)
	if err := e.AddKey(0, "k", []byte("v"), 1); vaulterr.CodeOf(err) != vaulterr.VClose {
		t.Fatalf("AddKey on closed vault = %v, want VCLOSE", err)
	}
	if _, err := e.NumVaultKeys(); vaulterr.CodeOf(err) != vaulterr.VClose {
		t.Fatalf("NumVaultKeys on closed vault = %v, want VCLOSE", err)
	}
}

func TestAccessorsAndServerTimePersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	if err := e.Create(dir, "nora", []byte("pw")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.AddKey(0, "a", []byte("1"), 1); err != nil {
		t.Fatalf("AddKey(a): %v", err)
	}
	if err := e.AddKey(0, "b", []byte("2"), 2); err != nil {
		t.Fatalf("AddKey(b): %v", err)
	}

	keys, err := e.GetVaultKeys()
	if err != nil {
		t.Fatalf("GetVaultKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("GetVaultKeys = %v, want 2 keys", keys)
	}

	header, err := e.GetHeader()
	if err != nil {
		t.Fatalf("GetHeader: %v", err)
	}
	if len(header) != HeaderSize-4 {
		t.Fatalf("GetHeader length = %d, want %d", len(header), HeaderSize-4)
	}

	if err := e.SetLastServerTime(123456); err != nil {
		t.Fatalf("SetLastServerTime: %v", err)
	}
	ts, err := e.GetLastServerTime()
	if err != nil || ts != 123456 {
		t.Fatalf("GetLastServerTime = %d, %v, want 123456, nil", ts, err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := e.Open(dir, "nora", []byte("pw")); err != nil {
		t.Fatalf("Open: %v", err)
	}
	ts2, err := e.GetLastServerTime()
	if err != nil || ts2 != 123456 {
		t.Fatalf("GetLastServerTime after reopen = %d, %v, want 123456, nil", ts2, err)
	}
}

func TestCreateFromHeaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	if err := e.Create(dir, "olga", []byte("pw")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	header, err := e.GetHeader()
	if err != nil {
		t.Fatalf("GetHeader: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	restored := newEngine(t)
	if err := restored.CreateFromHeader(dir, "olga-restored", []byte("pw"), header); err != nil {
		t.Fatalf("CreateFromHeader: %v", err)
	}
	if err := restored.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := restored.Open(dir, "olga-restored", []byte("pw")); err != nil {
		t.Fatalf("Open restored vault: %v", err)
	}
}

func TestCreateTwiceFailsExist(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	if err := e.Create(dir, "mona", []byte("pw")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2 := newEngine(t)
	err := e2.Create(dir, "mona", []byte("pw"))
	if vaulterr.CodeOf(err) != vaulterr.Exist {
		t.Fatalf("second Create = %v, want EXIST", err)
	}
}
