package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/glinharesb/yubihsm-enroll/internal/crypto"
	"github.com/glinharesb/yubihsm-enroll/internal/enroll"
	"github.com/glinharesb/yubihsm-enroll/internal/signapp"
)

// Keyring manages hardware vaults on top of a Store. It is the vault,
// chain and finalize-key continuation of an enrollment.
type Keyring struct {
	store Store
	log   *slog.Logger
	now   func() time.Time
}

var (
	_ enroll.VaultAppender   = (*Keyring)(nil)
	_ enroll.ChainEnabler    = (*Keyring)(nil)
	_ enroll.SceneTransition = (*Keyring)(nil)
)

func NewKeyring(store Store, log *slog.Logger) *Keyring {
	if log == nil {
		log = slog.Default()
	}
	return &Keyring{store: store, log: log, now: time.Now}
}

// CreateHardwareVault creates a vault whose first app key is cred. The
// password is kept only as a sealed verifier bound to the vault id.
func (k *Keyring) CreateHardwareVault(ctx context.Context, name, password string, cred enroll.Credential) (*Vault, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("vault name is required")
	}
	if len(cred.CompressedPublicKey) == 0 {
		return nil, fmt.Errorf("credential has no public key")
	}
	if !cred.App.Valid() {
		return nil, fmt.Errorf("unsupported app: %s", cred.App)
	}

	id := uuid.NewString()
	check, err := crypto.SealPassword([]byte(password), []byte(id))
	if err != nil {
		return nil, fmt.Errorf("seal password: %w", err)
	}

	now := k.now()
	v := &Vault{
		ID:   id,
		Name: name,
		Type: VaultHardware,
		Apps: map[signapp.AppID]HardwareKey{
			cred.App: {
				PublicKey:     slices.Clone(cred.CompressedPublicKey),
				AuthKeyIDSign: cred.AuthKeyID,
				ObjectID:      cred.ObjectID,
				AddedAt:       now,
			},
		},
		BIP44Path:     cred.BIP44Path,
		PasswordCheck: check,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := k.store.Put(v); err != nil {
		return nil, err
	}
	k.log.Info("hardware vault created", "vault_id", id, "app", cred.App, "object_id", cred.ObjectID)
	return v.Clone(), nil
}

// AppendHardwareKeyApp registers a key for app in an existing hardware
// vault. An app can only be registered once per vault.
func (k *Keyring) AppendHardwareKeyApp(ctx context.Context, vaultID string, compressedPK []byte, authKeyIDSign, objectID uint16, app signapp.AppID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !app.Valid() {
		return fmt.Errorf("unsupported app: %s", app)
	}
	if len(compressedPK) == 0 {
		return fmt.Errorf("public key is required")
	}

	return k.store.Update(vaultID, func(v *Vault) error {
		if v.Type != VaultHardware {
			return ErrNotHardware
		}
		if _, exists := v.Apps[app]; exists {
			return fmt.Errorf("%w: %s", ErrAppExists, app)
		}
		now := k.now()
		v.Apps[app] = HardwareKey{
			PublicKey:     slices.Clone(compressedPK),
			AuthKeyIDSign: authKeyIDSign,
			ObjectID:      objectID,
			AddedAt:       now,
		}
		v.UpdatedAt = now
		return nil
	})
}

func (k *Keyring) EnableChains(ctx context.Context, chainIDs ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return k.store.EnableChains(chainIDs...)
}

// ReplaceAll handles the finalize-key step by creating the vault.
func (k *Keyring) ReplaceAll(ctx context.Context, scene string, props enroll.FinalizeProps) error {
	if scene != enroll.FinalizeScene {
		return fmt.Errorf("unknown scene %q", scene)
	}
	_, err := k.CreateHardwareVault(ctx, props.Name, props.Password, props.Credential)
	return err
}

// Unlock reports whether password matches the vault's password.
func (k *Keyring) Unlock(vaultID, password string) (bool, error) {
	v, err := k.store.Get(vaultID)
	if err != nil {
		return false, err
	}
	return v.PasswordCheck.Verify([]byte(password), []byte(v.ID)), nil
}

func (k *Keyring) Vaults() ([]*Vault, error) {
	return k.store.List()
}

func (k *Keyring) EnabledChains() ([]string, error) {
	return k.store.EnabledChains()
}
