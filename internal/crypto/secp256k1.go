package crypto

import (
	"crypto/ecdsa"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const (
	RawPublicKeySize          = 64
	UncompressedPublicKeySize = 65
	CompressedPublicKeySize   = 33
)

// GenerateSecp256k1Key creates a new secp256k1 key pair.
func GenerateSecp256k1Key() (*ecdsa.PrivateKey, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return key, nil
}

// RawPublicKey returns X||Y without the SEC1 prefix byte. This is the
// form the device reports for EC objects.
func RawPublicKey(pub *ecdsa.PublicKey) []byte {
	return ethcrypto.FromECDSAPub(pub)[1:]
}

// ParsePublicKey accepts a raw (64), uncompressed (65) or compressed (33)
// secp256k1 point.
func ParsePublicKey(b []byte) (*ecdsa.PublicKey, error) {
	switch len(b) {
	case RawPublicKeySize:
		buf := make([]byte, 0, UncompressedPublicKeySize)
		buf = append(buf, 0x04)
		buf = append(buf, b...)
		return unmarshalUncompressed(buf)
	case UncompressedPublicKeySize:
		return unmarshalUncompressed(b)
	case CompressedPublicKeySize:
		pub, err := ethcrypto.DecompressPubkey(b)
		if err != nil {
			return nil, fmt.Errorf("decompress public key: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("public key has invalid length %d", len(b))
	}
}

func unmarshalUncompressed(b []byte) (*ecdsa.PublicKey, error) {
	pub, err := ethcrypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, fmt.Errorf("unmarshal public key: %w", err)
	}
	return pub, nil
}

// CompressPublicKey returns the 33-byte SEC1 compressed form of b.
func CompressPublicKey(b []byte) ([]byte, error) {
	pub, err := ParsePublicKey(b)
	if err != nil {
		return nil, err
	}
	return ethcrypto.CompressPubkey(pub), nil
}

// MarshalPrivateKey returns the 32-byte scalar of key.
func MarshalPrivateKey(key *ecdsa.PrivateKey) []byte {
	return ethcrypto.FromECDSA(key)
}

// UnmarshalPrivateKey parses a 32-byte secp256k1 scalar.
func UnmarshalPrivateKey(d []byte) (*ecdsa.PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(d)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
