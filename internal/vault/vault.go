package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Masked is what callers render when a stored field cannot be decrypted.
// A wrong PIN and a corrupted (or legacy, pre-encryption) record are
// indistinguishable to the caller; both fail closed to this placeholder.
const Masked = "••••••"

// ErrDecryptionFailed is returned when a ciphertext cannot be opened with
// the supplied key. Callers must not surface the underlying cipher error.
var ErrDecryptionFailed = errors.New("decryption failed")

// EncryptedField is an IV/ciphertext pair as persisted. The key is never
// stored with it; it is re-derived from the user's PIN at read time.
type EncryptedField struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// IsZero reports whether the field holds no ciphertext.
func (f EncryptedField) IsZero() bool {
	return f.IV == "" && f.Ciphertext == ""
}

// VaultInterface defines the encryption vault operations
type VaultInterface interface {
	DeriveKey(pin string) []byte
	Encrypt(plaintext string, key []byte) (EncryptedField, error)
	Decrypt(field EncryptedField, key []byte) (string, error)
	DecryptOrMask(field EncryptedField, key []byte) string
	HashPIN(pin string) (string, error)
	VerifyPIN(pin, hashedPIN string) (bool, error)
}

// Vault derives per-operation symmetric keys from a caller-supplied PIN and
// a server-held secret. It keeps no state between calls and stores no keys.
type Vault struct {
	serverSecret []byte
}

// New creates a vault around the server secret. The secret never leaves the
// process and is never written anywhere.
func New(serverSecret string) (*Vault, error) {
	if serverSecret == "" {
		return nil, errors.New("vault server secret required")
	}
	return &Vault{serverSecret: []byte(serverSecret)}, nil
}

// DeriveKey computes an AES-256 key from the PIN and the server secret.
// The same PIN always yields the same key, which is what makes re-derivation
// at read time possible without persisting anything.
func (v *Vault) DeriveKey(pin string) []byte {
	return argon2.IDKey([]byte(pin), v.serverSecret, 3, 32*1024, 4, 32)
}

// Encrypt seals plaintext under key with AES-GCM, generating a fresh random
// IV per call and returning it beside the ciphertext.
func (v *Vault) Encrypt(plaintext string, key []byte) (EncryptedField, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedField{}, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return EncryptedField{}, fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return EncryptedField{}, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := gcm.Seal(nil, iv, []byte(plaintext), nil)

	return EncryptedField{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Decrypt opens an encrypted field with key. Any failure (wrong key, bad
// base64, truncated data) collapses to ErrDecryptionFailed so the error
// cannot be used as a PIN oracle.
func (v *Vault) Decrypt(field EncryptedField, key []byte) (string, error) {
	iv, err := base64.StdEncoding.DecodeString(field.IV)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	ciphertext, err := base64.StdEncoding.DecodeString(field.Ciphertext)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	if len(iv) != gcm.NonceSize() {
		return "", ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// DecryptOrMask is Decrypt for display paths: failures render the masked
// placeholder instead of an error, so callers cannot mistake an unreadable
// record for "no data".
func (v *Vault) DecryptOrMask(field EncryptedField, key []byte) string {
	if field.IsZero() {
		return Masked
	}
	plaintext, err := v.Decrypt(field, key)
	if err != nil {
		return Masked
	}
	return plaintext
}

// HashPIN hashes a PIN with Argon2id and a fresh random salt.
func (v *Vault) HashPIN(pin string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(pin), salt, 1, 64*1024, 4, 32)

	result := make([]byte, len(salt)+len(hash))
	copy(result, salt)
	copy(result[len(salt):], hash)

	return base64.StdEncoding.EncodeToString(result), nil
}

// VerifyPIN verifies a PIN against its stored hash in constant time.
func (v *Vault) VerifyPIN(pin, hashedPIN string) (bool, error) {
	decoded, err := base64.StdEncoding.DecodeString(hashedPIN)
	if err != nil {
		return false, fmt.Errorf("invalid PIN hash format: %w", err)
	}

	if len(decoded) < 16 {
		return false, errors.New("PIN hash too short")
	}

	salt := decoded[:16]
	storedHash := decoded[16:]

	inputHash := argon2.IDKey([]byte(pin), salt, 1, 64*1024, 4, 32)

	return subtle.ConstantTimeCompare(inputHash, storedHash) == 1, nil
}
