package hsm

import (
	"errors"
)

var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrAuthKeyLocked    = errors.New("auth key locked")
	ErrAuthKeyNotFound  = errors.New("auth key not found")
	ErrObjectNotFound   = errors.New("object not found")
	ErrPermissionDenied = errors.New("auth key lacks sign capability")
)

// ObjectType is the algorithm label the device reports for a key object.
type ObjectType string

const (
	ObjectSecp256k1 ObjectType = "ecp256k1"
)

// Object is the public view of an asymmetric key object on the device.
type Object struct {
	ID        uint16
	Type      ObjectType
	Sequence  int
	Label     string
	PublicKey []byte // X||Y for EC keys
}

// Provider abstracts a hardware security module whose sessions are
// opened with a numeric auth key and its password. Real implementations
// would talk to a YubiHSM2 connector.
type Provider interface {
	ListAsymmetricKeys(authKeyID uint16, password string) ([]Object, error)
	GetAsymmetricKey(authKeyID uint16, password string, objectID uint16) (Object, error)
	// CheckSigner reports whether authKeyID may sign with objectID.
	CheckSigner(authKeyID, objectID uint16) error
}
