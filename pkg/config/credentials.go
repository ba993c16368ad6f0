package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"

	"cadence/pkg/logx"
)

// Credentials file format: [salt][nonce][ciphertext+tag], AES-256-GCM with a
// scrypt-derived key, written with 0600 permissions.
const (
	credentialsFilename = "credentials.enc"
	saltSize            = 16
	nonceSize           = 12
	scryptN             = 32768 // 2^15
	scryptR             = 8
	scryptP             = 1
	keySize             = 32 // AES-256
)

// In-memory decrypted credentials, keyed by the API key environment variable
// name (GEMINI_API_KEY etc.).
//
//nolint:gochecknoglobals // Intentional in-memory credential cache.
var (
	credentials    map[string]string
	credentialsMux sync.RWMutex
	logger         *logx.Logger
	loggerOnce     sync.Once
)

func getLogger() *logx.Logger {
	loggerOnce.Do(func() {
		logger = logx.NewLogger("config")
	})
	return logger
}

// ErrCredentialAbsent signals that no credential is available from either the
// environment or the store. Callers surface it as an auth failure only when a
// request actually needs the key.
type ErrCredentialAbsent struct {
	Provider string
}

func (e *ErrCredentialAbsent) Error() string {
	envName := APIKeyEnv(e.Provider)
	if envName == "" {
		return fmt.Sprintf("no credential configured for provider %q", e.Provider)
	}
	return fmt.Sprintf("no API key for provider %q: set %s or store one with cadence -store-key", e.Provider, envName)
}

// APIKey resolves the API key for a provider. The environment variable always
// wins; the decrypted credential store is the fallback. Ollama needs no key
// and always resolves to empty with no error.
func APIKey(provider string) (string, error) {
	if provider == ProviderOllama {
		return "", nil
	}

	envName := APIKeyEnv(provider)
	if envName == "" {
		return "", &ErrCredentialAbsent{Provider: provider}
	}

	if value := os.Getenv(envName); value != "" {
		return value, nil
	}

	credentialsMux.RLock()
	defer credentialsMux.RUnlock()
	if value, exists := credentials[envName]; exists && value != "" {
		return value, nil
	}

	return "", &ErrCredentialAbsent{Provider: provider}
}

// SetCredentials replaces the in-memory decrypted credential map.
func SetCredentials(creds map[string]string) {
	credentialsMux.Lock()
	defer credentialsMux.Unlock()
	credentials = creds
}

// SetCredential stores a single credential in memory.
func SetCredential(name, value string) {
	credentialsMux.Lock()
	defer credentialsMux.Unlock()
	if credentials == nil {
		credentials = make(map[string]string)
	}
	credentials[name] = value
}

// CredentialNames returns the names (not values) currently held in memory.
func CredentialNames() []string {
	credentialsMux.RLock()
	defer credentialsMux.RUnlock()

	names := make([]string, 0, len(credentials))
	for name := range credentials {
		names = append(names, name)
	}
	return names
}

func credentialsPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, credentialsFilename), nil
}

// CredentialsFileExists reports whether an encrypted credentials file exists.
func CredentialsFileExists() bool {
	path, err := credentialsPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// SaveCredentials encrypts the in-memory credentials to disk under the given
// passphrase.
func SaveCredentials(passphrase string) error {
	credentialsMux.RLock()
	copied := make(map[string]string, len(credentials))
	for k, v := range credentials {
		copied[k] = v
	}
	credentialsMux.RUnlock()

	return EncryptCredentialsFile(passphrase, copied)
}

// EncryptCredentialsFile encrypts and writes credentials to
// <config dir>/credentials.enc with 0600 permissions.
func EncryptCredentialsFile(passphrase string, creds map[string]string) error {
	passBytes := []byte(passphrase)
	defer zero(passBytes)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := scrypt.Key(passBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return fmt.Errorf("failed to derive encryption key: %w", err)
	}
	defer zero(key)

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	fileData := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = append(fileData, ciphertext...)

	path, err := credentialsPath()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, fileData, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}

	return nil
}

// DecryptCredentialsFile reads and decrypts the credentials file. The caller
// is expected to pass the result to SetCredentials.
func DecryptCredentialsFile(passphrase string) (map[string]string, error) {
	path, err := credentialsPath()
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat credentials file: %w", err)
	}

	// Loose permissions are fixed rather than fatal.
	if info.Mode().Perm() != 0o600 {
		getLogger().Warn("credentials file has permissions %04o, fixing to 0600", info.Mode().Perm())
		if chmodErr := os.Chmod(path, 0o600); chmodErr != nil {
			return nil, fmt.Errorf("failed to fix credentials file permissions: %w", chmodErr)
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	minSize := saltSize + nonceSize + 16 // 16 is the GCM tag size
	if len(fileData) < minSize {
		return nil, fmt.Errorf("credentials file is corrupted or truncated")
	}

	salt := fileData[:saltSize]
	nonce := fileData[saltSize : saltSize+nonceSize]
	ciphertext := fileData[saltSize+nonceSize:]

	passBytes := []byte(passphrase)
	defer zero(passBytes)

	key, err := scrypt.Key(passBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive decryption key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong passphrase or corrupted file)")
	}

	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}

	return creds, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
