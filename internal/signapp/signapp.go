// Package signapp drives the on-device signing application that turns a
// key object into an account public key.
package signapp

import (
	"context"
	"fmt"
)

// NoErrors is the driver's success sentinel in Result.ErrorMessage.
const NoErrors = "No errors"

// AppID names a signing application on the device.
type AppID string

const (
	Cosmos   AppID = "Cosmos"
	Terra    AppID = "Terra"
	Secret   AppID = "Secret"
	Ethereum AppID = "Ethereum"
)

type appInfo struct {
	hrp      string
	coinType uint32
}

var apps = map[AppID]appInfo{
	Cosmos:   {hrp: "cosmos", coinType: 118},
	Terra:    {hrp: "terra", coinType: 330},
	Secret:   {hrp: "secret", coinType: 529},
	Ethereum: {coinType: 60},
}

// ParseAppID validates s against the supported applications.
func ParseAppID(s string) (AppID, error) {
	id := AppID(s)
	if _, ok := apps[id]; !ok {
		return "", fmt.Errorf("unsupported app: %s", s)
	}
	return id, nil
}

func (a AppID) Valid() bool {
	_, ok := apps[a]
	return ok
}

// HRP is the bech32 prefix of the application's addresses. Ethereum has
// none.
func (a AppID) HRP() string { return apps[a].hrp }

// CoinType is the SLIP-44 coin type used in the application's BIP44 path.
func (a AppID) CoinType() uint32 { return apps[a].coinType }

// Supported lists the application ids in a stable order.
func Supported() []AppID {
	return []AppID{Cosmos, Terra, Secret, Ethereum}
}

// Result is what the driver reports for a public key request.
type Result struct {
	ErrorMessage string `json:"error_message"`
	CompressedPK []byte `json:"compressed_pk"`
}

// OK reports whether the driver signalled success.
func (r Result) OK() bool { return r.ErrorMessage == NoErrors }

// App is a handle bound to one key object and signing auth key.
type App interface {
	// GetPublicKey asks the device for the compressed public key. Device
	// level failures are reported in Result.ErrorMessage; the error return
	// is reserved for failures to reach the driver at all.
	GetPublicKey(ctx context.Context) (Result, error)
}

// Factory builds App handles.
type Factory interface {
	New(app AppID, publicKey []byte, authKeyIDSign, objectID uint16) (App, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(app AppID, publicKey []byte, authKeyIDSign, objectID uint16) (App, error)

func (f FactoryFunc) New(app AppID, publicKey []byte, authKeyIDSign, objectID uint16) (App, error) {
	return f(app, publicKey, authKeyIDSign, objectID)
}
