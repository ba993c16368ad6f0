package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptCredentialsRoundTrip(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())

	passphrase := "test-passphrase-12345"
	creds := map[string]string{
		EnvGeminiAPIKey:    "AIza-test-123",
		EnvAnthropicAPIKey: "sk-ant-test123",
	}

	if err := EncryptCredentialsFile(passphrase, creds); err != nil {
		t.Fatalf("failed to encrypt credentials: %v", err)
	}

	dir, err := Dir()
	if err != nil {
		t.Fatalf("failed to resolve config dir: %v", err)
	}
	path := filepath.Join(dir, credentialsFilename)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("credentials file was not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected file permissions 0600, got %04o", info.Mode().Perm())
	}

	decrypted, err := DecryptCredentialsFile(passphrase)
	if err != nil {
		t.Fatalf("failed to decrypt credentials: %v", err)
	}
	if len(decrypted) != len(creds) {
		t.Errorf("expected %d credentials, got %d", len(creds), len(decrypted))
	}
	for name, want := range creds {
		if got := decrypted[name]; got != want {
			t.Errorf("credential %s: expected %q, got %q", name, want, got)
		}
	}
}

func TestDecryptWithWrongPassphrase(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())

	if err := EncryptCredentialsFile("right", map[string]string{EnvGeminiAPIKey: "key"}); err != nil {
		t.Fatalf("failed to encrypt credentials: %v", err)
	}

	if _, err := DecryptCredentialsFile("wrong"); err == nil {
		t.Fatal("expected decryption to fail with wrong passphrase")
	}
}

func TestCorruptedCredentialsFile(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())

	dir, err := Dir()
	if err != nil {
		t.Fatalf("failed to resolve config dir: %v", err)
	}
	path := filepath.Join(dir, credentialsFilename)
	if err := os.WriteFile(path, []byte("corrupted"), 0o600); err != nil {
		t.Fatalf("failed to write corrupted file: %v", err)
	}

	if _, err := DecryptCredentialsFile("any"); err == nil {
		t.Error("expected error when decrypting corrupted file")
	}
}

func TestAPIKeyPrecedence(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())
	defer SetCredentials(nil)

	// Environment variable wins over the store.
	SetCredentials(map[string]string{EnvGeminiAPIKey: "from-store"})
	t.Setenv(EnvGeminiAPIKey, "from-env")

	key, err := APIKey(ProviderGemini)
	if err != nil {
		t.Fatalf("expected key, got error: %v", err)
	}
	if key != "from-env" {
		t.Errorf("expected env var to take precedence, got %q", key)
	}

	// Store is the fallback when the env var is unset.
	t.Setenv(EnvGeminiAPIKey, "")
	key, err = APIKey(ProviderGemini)
	if err != nil {
		t.Fatalf("expected stored key, got error: %v", err)
	}
	if key != "from-store" {
		t.Errorf("expected stored key, got %q", key)
	}

	// Absent everywhere yields the typed absence error.
	SetCredentials(nil)
	_, err = APIKey(ProviderGemini)
	if err == nil {
		t.Fatal("expected absence error")
	}
	var absent *ErrCredentialAbsent
	if !errors.As(err, &absent) {
		t.Errorf("expected ErrCredentialAbsent, got %T", err)
	}
}

func TestAPIKeyOllamaNeedsNoKey(t *testing.T) {
	key, err := APIKey(ProviderOllama)
	if err != nil {
		t.Fatalf("ollama should not require a key: %v", err)
	}
	if key != "" {
		t.Errorf("expected empty key for ollama, got %q", key)
	}
}

func TestCredentialsFileExists(t *testing.T) {
	t.Setenv(EnvHome, t.TempDir())

	if CredentialsFileExists() {
		t.Error("expected no credentials file in fresh dir")
	}
	if err := EncryptCredentialsFile("pass", map[string]string{EnvGeminiAPIKey: "k"}); err != nil {
		t.Fatalf("failed to encrypt credentials: %v", err)
	}
	if !CredentialsFileExists() {
		t.Error("expected credentials file after save")
	}
}
