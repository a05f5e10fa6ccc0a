package signapp

import (
	"context"
	"fmt"

	"github.com/glinharesb/yubihsm-enroll/internal/crypto"
)

// KeyChecker reports whether an auth key may sign with an object.
// hsm.Provider satisfies it.
type KeyChecker interface {
	CheckSigner(authKeyID, objectID uint16) error
}

// SoftwareFactory builds secp256k1 drivers that compress the device's
// public key after confirming the signing auth key with the device.
type SoftwareFactory struct {
	checker KeyChecker
}

// NewSoftwareFactory returns a factory. A nil checker skips the signer
// check.
func NewSoftwareFactory(checker KeyChecker) *SoftwareFactory {
	return &SoftwareFactory{checker: checker}
}

func (f *SoftwareFactory) New(app AppID, publicKey []byte, authKeyIDSign, objectID uint16) (App, error) {
	if !app.Valid() {
		return nil, fmt.Errorf("unsupported app: %s", app)
	}
	if len(publicKey) == 0 {
		return nil, fmt.Errorf("object %d has no public key", objectID)
	}
	pk := make([]byte, len(publicKey))
	copy(pk, publicKey)
	return &softwareApp{
		checker:       f.checker,
		app:           app,
		publicKey:     pk,
		authKeyIDSign: authKeyIDSign,
		objectID:      objectID,
	}, nil
}

type softwareApp struct {
	checker       KeyChecker
	app           AppID
	publicKey     []byte
	authKeyIDSign uint16
	objectID      uint16
}

func (a *softwareApp) GetPublicKey(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if a.checker != nil {
		if err := a.checker.CheckSigner(a.authKeyIDSign, a.objectID); err != nil {
			return Result{ErrorMessage: err.Error()}, nil
		}
	}
	compressed, err := crypto.CompressPublicKey(a.publicKey)
	if err != nil {
		return Result{ErrorMessage: fmt.Sprintf("%s app: %v", a.app, err)}, nil
	}
	return Result{ErrorMessage: NoErrors, CompressedPK: compressed}, nil
}
