package vault

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

const privateKeyOne = "0x0000000000000000000000000000000000000000000000000000000000000001"

func TestDeriveAddressDeterministic(t *testing.T) {
	// Testable Property 1.
	if len(privateKeyOne) != 66 {
		t.Fatalf("test fixture privateKeyOne has wrong length %d, want 66", len(privateKeyOne))
	}
	addr, err := DeriveAddress(privateKeyOne)
	if err != nil {
		t.Fatalf("DeriveAddress: %v", err)
	}
	const want = "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf"
	if addr != want {
		t.Fatalf("DeriveAddress(0x...1) = %s, want %s", addr, want)
	}
}

func TestDeriveAddressRejectsMalformedKey(t *testing.T) {
	for _, bad := range []string{"", "0xnothex", "0x1234", "not-prefixed00000000000000000000000000000000000000000000000000"} {
		_, err := DeriveAddress(bad)
		if err == nil {
			t.Errorf("DeriveAddress(%q) should have failed", bad)
			continue
		}
		if _, ok := err.(*KeyFormatError); !ok {
			t.Errorf("DeriveAddress(%q) error should be *KeyFormatError, got %T", bad, err)
		}
	}
}

func TestVaultRoundTrip(t *testing.T) {
	// Testable Property 2.
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.enc")

	v, err := Open(path, "test-master-key")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	keys := map[string]string{
		"acct1": "0x000000000000000000000000000000000000000000000000000000000000000a",
		"acct2": "0x000000000000000000000000000000000000000000000000000000000000000b",
	}
	for id, pk := range keys {
		if err := v.AddAccountKey(id, pk); err != nil {
			t.Fatalf("AddAccountKey(%s): %v", id, err)
		}
	}

	v2, err := Open(path, "test-master-key")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	for id, want := range keys {
		got, err := v2.GetAccountKey(id)
		if err != nil {
			t.Fatalf("GetAccountKey(%s): %v", id, err)
		}
		if got != want {
			t.Errorf("GetAccountKey(%s) = %s, want %s", id, got, want)
		}
	}

	ids, err := v2.ListIDs()
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != len(keys) {
		t.Errorf("ListIDs returned %d ids, want %d", len(ids), len(keys))
	}
}

func TestVaultCorruptionYieldsCryptoError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.enc")

	v, err := Open(path, "test-master-key")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := v.AddAccountKey("acct1", "0x000000000000000000000000000000000000000000000000000000000000000a"); err != nil {
		t.Fatalf("AddAccountKey: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read vault file: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	// Flip a character in the ciphertext to simulate tampering.
	corrupted := []byte(env.Encrypted)
	if corrupted[0] == 'a' {
		corrupted[0] = 'b'
	} else {
		corrupted[0] = 'a'
	}
	env.Encrypted = string(corrupted)
	out, _ := json.Marshal(env)
	if err := os.WriteFile(path, out, 0o600); err != nil {
		t.Fatalf("write corrupted vault: %v", err)
	}

	v2, err := Open(path, "test-master-key")
	if err != nil {
		t.Fatalf("Open after corruption: %v", err)
	}
	_, err = v2.GetAccountKey("acct1")
	if err == nil {
		t.Fatal("expected CryptoError on corrupted vault, got nil")
	}
	if _, ok := err.(*CryptoError); !ok {
		t.Errorf("expected *CryptoError, got %T: %v", err, err)
	}
}

func TestRemoveAccountKeyAbsentIsNotError(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(filepath.Join(dir, "keys.enc"), "k")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := v.RemoveAccountKey("never-existed"); err != nil {
		t.Fatalf("RemoveAccountKey on absent id should not error, got %v", err)
	}
}
