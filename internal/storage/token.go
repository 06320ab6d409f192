package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewSessionToken returns the public session identifier handed to the widget.
func NewSessionToken() string {
	return uuid.NewString()
}

// NewSessionSecret returns the private resumption secret. Only its hash is
// persisted; the plaintext is shown to the client exactly once.
func NewSessionSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifySecret compares a client-provided secret against the stored hash in
// constant time.
func (s ChatSession) VerifySecret(secret string) bool {
	if secret == "" || s.SecretHash == "" {
		return false
	}
	provided := HashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(provided), []byte(s.SecretHash)) == 1
}

func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
