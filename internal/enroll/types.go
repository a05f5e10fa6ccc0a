// Package enroll turns a selected device key into a wallet credential and
// hands it to the next step of the enrollment.
package enroll

import (
	"fmt"
	"strings"

	"github.com/glinharesb/yubihsm-enroll/internal/signapp"
)

// BIP44Path is the account part of m/44'/coin'/account'/change/index.
type BIP44Path struct {
	Account      uint32 `json:"account"`
	Change       uint32 `json:"change"`
	AddressIndex uint32 `json:"address_index"`
}

// String renders the full path for app.
func (p BIP44Path) String(app signapp.AppID) string {
	return fmt.Sprintf("m/44'/%d'/%d'/%d/%d", app.CoinType(), p.Account, p.Change, p.AddressIndex)
}

// Params are the device inputs of an enrollment, common to both modes.
type Params struct {
	App           signapp.AppID
	ViewAuthKeyID string
	// SignAuthKeyID may be left blank to sign with the viewing auth key.
	SignAuthKeyID string
	ViewPassword  string
	BIP44Path     BIP44Path
}

func (p Params) signAuthKeyID() string {
	if strings.TrimSpace(p.SignAuthKeyID) == "" {
		return p.ViewAuthKeyID
	}
	return p.SignAuthKeyID
}

// Mode selects where a derived credential goes. It is either
// FreshEnrollment or AppendToVault.
type Mode interface {
	mode()
}

// FreshEnrollment continues a new account creation at the finalize-key
// step.
type FreshEnrollment struct {
	Name         string
	Password     string
	StepPrevious int
	StepTotal    int
}

// AppendToVault adds the key to an existing vault and enables chains.
type AppendToVault struct {
	VaultID           string
	AfterEnableChains []string
}

func (FreshEnrollment) mode() {}
func (AppendToVault) mode()   {}

// Request is one enrollment submission.
type Request struct {
	Params Params
	Mode   Mode
}

// Credential is the result of a successful derivation.
type Credential struct {
	CompressedPublicKey []byte
	App                 signapp.AppID
	AuthKeyID           uint16
	ObjectID            uint16
	BIP44Path           BIP44Path
}
