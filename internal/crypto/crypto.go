package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters per RFC 9106
	ArgonMemory      = 64 * 1024 // 64 MB in KiB
	ArgonIterations  = 1
	ArgonParallelism = 4
	ArgonKeyLength   = 32 // 256 bits for AES-256

	SaltLength = 32 // 256 bits

	// AES-GCM nonce size
	NonceSize = 12 // 96 bits (standard for GCM)

	KeyLength = 32
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrKeyDerivation     = errors.New("key derivation failed")
	ErrKeyMismatch       = errors.New("key mismatch")
	ErrDecryptFailed     = errors.New("decryption failed")
	ErrInvalidKeyLength  = errors.New("invalid key length")
)

// GenerateSalt generates a cryptographically secure random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	return salt, nil
}

// DeriveKey derives a key-encryption key from a password using Argon2id.
// Parameters follow RFC 9106 recommendations. The derivation is deterministic
// for the same (password, salt) pair.
func DeriveKey(password string, salt []byte) ([]byte, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: empty password", ErrKeyDerivation)
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("%w: salt too short", ErrKeyDerivation)
	}

	return argon2.IDKey(
		[]byte(password),
		salt,
		ArgonIterations,
		ArgonMemory,
		ArgonParallelism,
		ArgonKeyLength,
	), nil
}

// GenerateDataKey generates a random AES-256 data-encryption key. One DEK is
// generated per workspace and shared by every user of that workspace.
func GenerateDataKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return key, nil
}

// WrapKey encrypts the raw bytes of a DEK under a KEK using AES-256-GCM.
// A fresh nonce is generated per call and prepended to the ciphertext; the
// result is base64-encoded for storage.
func WrapKey(dek, kek []byte) (string, error) {
	if len(dek) != KeyLength {
		return "", ErrInvalidKeyLength
	}

	ciphertext, err := encryptAESGCM(dek, kek)
	if err != nil {
		return "", fmt.Errorf("failed to wrap key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// UnwrapKey decrypts a wrapped DEK using the KEK. A GCM authentication
// failure is reported as ErrKeyMismatch: it is the only signal that the
// password the KEK was derived from is wrong. No separate password hash is
// stored or compared.
func UnwrapKey(wrapped string, kek []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrInvalidCiphertext)
	}

	dek, err := decryptAESGCM(ciphertext, kek)
	if err != nil {
		if errors.Is(err, ErrDecryptFailed) {
			return nil, ErrKeyMismatch
		}
		return nil, err
	}

	if len(dek) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	return dek, nil
}

// ExportRecoveryKey encodes the raw DEK as a recovery key. It is shown once
// at registration or rotation; the system keeps no copy.
func ExportRecoveryKey(dek []byte) string {
	return base64.StdEncoding.EncodeToString(dek)
}

// ImportRecoveryKey decodes a recovery key back to a raw DEK.
func ImportRecoveryKey(recoveryKey string) ([]byte, error) {
	dek, err := base64.StdEncoding.DecodeString(recoveryKey)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrInvalidCiphertext)
	}

	if len(dek) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	return dek, nil
}

// Rewrap unwraps a DEK with the old KEK and wraps it again under a key
// derived from newPassword and a fresh salt. If the unwrap fails the change
// is rejected and nothing is returned; the caller is responsible for
// persisting (salt, wrapped) atomically.
func Rewrap(wrapped string, oldKEK []byte, newPassword string) (salt []byte, newWrapped string, err error) {
	dek, err := UnwrapKey(wrapped, oldKEK)
	if err != nil {
		return nil, "", err
	}

	salt, err = GenerateSalt()
	if err != nil {
		return nil, "", err
	}

	newKEK, err := DeriveKey(newPassword, salt)
	if err != nil {
		return nil, "", err
	}

	newWrapped, err = WrapKey(dek, newKEK)
	if err != nil {
		return nil, "", err
	}

	return salt, newWrapped, nil
}

// encryptAESGCM performs AES-GCM encryption with a fresh random nonce.
// The nonce is prepended to the ciphertext.
func encryptAESGCM(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptAESGCM performs AES-GCM decryption. Expects the nonce to be
// prepended to the ciphertext.
func decryptAESGCM(ciphertext []byte, key []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := ciphertext[:NonceSize]

	plaintext, err := gcm.Open(nil, nonce, ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	return plaintext, nil
}
