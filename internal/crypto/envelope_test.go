package crypto

import (
	"encoding/base64"
	"testing"
)

func TestEncryptDecryptCredential(t *testing.T) {
	keys := map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	}
	m, err := NewManager("k1", keys)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, err := m.EncryptCredential("sk-ant-super-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	out, err := m.DecryptCredential(raw)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if out != "sk-ant-super-secret" {
		t.Fatalf("expected original credential, got %q", out)
	}
}

func TestRotationDecryptOldEncryptNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldManager, err := NewManager("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old manager: %v", err)
	}
	oldCipher, err := oldManager.EncryptCredential("legacy")
	if err != nil {
		t.Fatalf("old encrypt: %v", err)
	}

	rotatedManager, err := NewManager("new", map[string][]byte{
		"old": oldKey,
		"new": newKey,
	})
	if err != nil {
		t.Fatalf("rotated manager: %v", err)
	}

	plain, err := rotatedManager.DecryptCredential(oldCipher)
	if err != nil {
		t.Fatalf("decrypt with old key failed: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}

	rotated, err := rotatedManager.Rotate(oldCipher)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	fresh, err := rotatedManager.DecryptCredential(rotated)
	if err != nil {
		t.Fatalf("decrypt rotated failed: %v", err)
	}
	if fresh != "legacy" {
		t.Fatalf("rotation changed plaintext: %q", fresh)
	}
}

func TestDecryptUnknownKeyID(t *testing.T) {
	m1, err := NewManager("a", map[string][]byte{"a": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")})
	if err != nil {
		t.Fatalf("manager a: %v", err)
	}
	m2, err := NewManager("b", map[string][]byte{"b": mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")})
	if err != nil {
		t.Fatalf("manager b: %v", err)
	}

	cipher, err := m1.EncryptCredential("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := m2.DecryptCredential(cipher); err == nil {
		t.Fatal("expected error decrypting with unknown key id")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
