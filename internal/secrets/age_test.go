package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
)

func TestGenerateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".age-key")

	if err := GenerateIdentity(path); err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("key permissions = %o, want 0600", info.Mode().Perm())
	}

	// A second call must not rotate an existing key; rotating would orphan
	// every stored secret.
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := GenerateIdentity(path); err != nil {
		t.Fatalf("second GenerateIdentity: %v", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(before) != string(after) {
		t.Error("key file changed on second call")
	}
}

func TestLoadIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".age-key")

	if err := GenerateIdentity(path); err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}

	id, err := LoadIdentity(path)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	if id == nil || id.Recipient() == nil {
		t.Fatal("expected usable identity with recipient")
	}
}

func TestLoadIdentity_MissingFile(t *testing.T) {
	_, err := LoadIdentity(filepath.Join(t.TempDir(), "absent"))
	if err == nil {
		t.Error("expected error for missing key file")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	for _, plaintext := range []string{"sk-ant-REDACTED", ""} {
		encrypted, err := Encrypt(plaintext, identity.Recipient())
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if !IsEncrypted(encrypted) {
			t.Errorf("IsEncrypted(%q) = false, want true", encrypted)
		}
		if encrypted == plaintext {
			t.Error("ciphertext equals plaintext")
		}

		decrypted, err := Decrypt(encrypted, identity)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if decrypted != plaintext {
			t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
		}
	}
}

func TestIsEncrypted(t *testing.T) {
	cases := map[string]bool{
		"ENC[age:abc123]": true,
		"ENC[age:]":       true,
		"plaintext":       false,
		"ENC[age:abc123":  false,
		"age:abc123]":     false,
		"":                false,
	}
	for input, want := range cases {
		if got := IsEncrypted(input); got != want {
			t.Errorf("IsEncrypted(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestDecrypt_RejectsPlaintext(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	if _, err := Decrypt("not-encrypted", identity); err == nil {
		t.Error("expected error for non-encrypted input")
	}
}
