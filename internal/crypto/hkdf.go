package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey expands secret into length bytes with HKDF-SHA256.
// info separates derivations that share the same secret and salt.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	if length <= 0 || length > 64 {
		return nil, fmt.Errorf("invalid derived key length: %d (must be 1-64)", length)
	}

	r := hkdf.New(sha256.New, secret, salt, info)
	derived := make([]byte, length)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return derived, nil
}
