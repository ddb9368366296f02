package auth

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Назначения ключей, выводимых из общего секрета
const (
	PurposeSessionJWT   = "linkbio/session-jwt"
	PurposeStateHash    = "linkbio/oauth-state-hash"
	PurposeStateEncrypt = "linkbio/oauth-state-block"
)

// DeriveKey выводит независимый ключ длины size для назначения purpose (HKDF-SHA256)
func DeriveKey(secret, purpose string, size int) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("secret is required to derive %s key", purpose)
	}
	key := make([]byte, size)
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(purpose))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	return key, nil
}
