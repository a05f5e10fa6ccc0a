package keystore

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/glinharesb/yubihsm-enroll/internal/crypto"
	"github.com/glinharesb/yubihsm-enroll/internal/enroll"
	"github.com/glinharesb/yubihsm-enroll/internal/signapp"
)

var (
	ErrVaultNotFound = errors.New("vault not found")
	ErrVaultExists   = errors.New("vault already exists")
	ErrAppExists     = errors.New("app already registered in vault")
	ErrNotHardware   = errors.New("vault is not a hardware vault")
)

// VaultType distinguishes how a vault's keys are held.
type VaultType int

const (
	VaultHardware VaultType = iota + 1
)

func (t VaultType) String() string {
	switch t {
	case VaultHardware:
		return "HARDWARE"
	default:
		return "UNKNOWN"
	}
}

// HardwareKey is the public half of a device key registered for one app.
type HardwareKey struct {
	PublicKey     []byte    `json:"public_key"`
	AuthKeyIDSign uint16    `json:"auth_key_id_sign"`
	ObjectID      uint16    `json:"object_id"`
	AddedAt       time.Time `json:"added_at"`
}

// Vault is an identity holding one hardware key per signing app.
type Vault struct {
	ID            string
	Name          string
	Type          VaultType
	Apps          map[signapp.AppID]HardwareKey
	BIP44Path     enroll.BIP44Path
	PasswordCheck *crypto.SealedPassword
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy of v.
func (v *Vault) Clone() *Vault {
	out := *v
	out.Apps = make(map[signapp.AppID]HardwareKey, len(v.Apps))
	for app, key := range v.Apps {
		key.PublicKey = slices.Clone(key.PublicKey)
		out.Apps[app] = key
	}
	return &out
}

// AppIDs returns the vault's apps sorted by name.
func (v *Vault) AppIDs() []signapp.AppID {
	return slices.Sorted(maps.Keys(v.Apps))
}

// Store persists vaults and the set of chains enabled in the wallet.
// Returned vaults are copies.
type Store interface {
	Put(v *Vault) error
	Get(id string) (*Vault, error)
	List() ([]*Vault, error)
	// Update applies fn to the stored vault atomically. The change is
	// discarded if fn returns an error.
	Update(id string, fn func(*Vault) error) error
	Delete(id string) error

	EnableChains(chainIDs ...string) error
	EnabledChains() ([]string, error)
}
