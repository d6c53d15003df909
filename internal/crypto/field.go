package crypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// FieldMarker prefixes every encrypted field value. Strings without the
// marker are treated as legacy plaintext and pass through decryption
// unchanged, which allows lossless migration of pre-encryption data.
const FieldMarker = "enc:v1:"

// UndecryptableValue is returned in place of a field whose ciphertext fails
// authentication. It is a degraded read, never a fatal condition.
const UndecryptableValue = "[undecryptable]"

// EncryptField serializes a field value and encrypts it with the DEK under
// AES-256-GCM. The nonce is fresh per call, so two encryptions of the same
// plaintext differ.
func EncryptField(value any, dek []byte) (string, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to serialize field value: %w", err)
	}

	ciphertext, err := encryptAESGCM(plaintext, dek)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt field: %w", err)
	}

	return FieldMarker + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptField reverses EncryptField. Non-string values and strings without
// the format marker are returned unchanged. Authentication failures yield
// UndecryptableValue and a log entry rather than an error, so a store opened
// with the wrong key stays browsable.
func DecryptField(value any, dek []byte) any {
	marked, ok := value.(string)
	if !ok || !strings.HasPrefix(marked, FieldMarker) {
		return value
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(marked, FieldMarker))
	if err != nil {
		logrus.WithError(err).Warn("encrypted field is not valid base64")
		return UndecryptableValue
	}

	plaintext, err := decryptAESGCM(ciphertext, dek)
	if err != nil {
		logrus.WithError(err).Warn("failed to decrypt field")
		return UndecryptableValue
	}

	var decoded any
	if err := json.Unmarshal(plaintext, &decoded); err != nil {
		logrus.WithError(err).Warn("failed to decode decrypted field")
		return UndecryptableValue
	}

	return decoded
}

// IsEncrypted reports whether a value carries the encrypted field marker.
func IsEncrypted(value any) bool {
	s, ok := value.(string)
	return ok && strings.HasPrefix(s, FieldMarker)
}
