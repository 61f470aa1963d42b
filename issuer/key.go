package issuer

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

const derivedKeySize = 32

// DeriveKey expands an application secret into a signing key bound to purpose, so the
// CSRF key differs from any other key taken from the same secret.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) < 16 {
		return nil, errors.New("secret must be at least 16 bytes")
	}
	if purpose == "" {
		return nil, errors.New("purpose required")
	}
	key := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), key); err != nil {
		return nil, err
	}
	return key, nil
}
