package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for vault password verifiers. N is kept low enough
// for interactive unlocks on modest hardware.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 32
)

var verifierPlaintext = []byte("yubihsm-enroll vault verifier v1")

// SealedPassword proves knowledge of a password without storing it.
type SealedPassword struct {
	Salt []byte `json:"salt"`
	Box  []byte `json:"box"`
}

// SealPassword derives a key from password and seals a fixed verifier
// bound to aad (typically the vault id).
func SealPassword(password, aad []byte) (*SealedPassword, error) {
	if len(password) == 0 {
		return nil, fmt.Errorf("password cannot be empty")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key, err := passwordKey(password, salt)
	if err != nil {
		return nil, err
	}
	defer clear(key)

	box, err := sealAESGCM(key, verifierPlaintext, aad)
	if err != nil {
		return nil, err
	}
	return &SealedPassword{Salt: salt, Box: box}, nil
}

// Verify reports whether password opens the sealed verifier.
func (s *SealedPassword) Verify(password, aad []byte) bool {
	if s == nil {
		return false
	}
	key, err := passwordKey(password, s.Salt)
	if err != nil {
		return false
	}
	defer clear(key)

	_, err = openAESGCM(key, s.Box, aad)
	return err == nil
}

func passwordKey(password, salt []byte) ([]byte, error) {
	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive password key: %w", err)
	}
	return key, nil
}

// sealAESGCM returns [nonce | ciphertext | tag].
func sealAESGCM(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func openAESGCM(key, box, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(box) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := box[:nonceSize], box[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("aes gcm decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aes gcm: %w", err)
	}
	return gcm, nil
}
