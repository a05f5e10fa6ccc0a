package keystore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glinharesb/yubihsm-enroll/internal/crypto"
	"github.com/glinharesb/yubihsm-enroll/internal/enroll"
	"github.com/glinharesb/yubihsm-enroll/internal/signapp"
)

// persistedVault is the JSON-serializable form of a Vault.
type persistedVault struct {
	ID            string                        `json:"id"`
	Name          string                        `json:"name"`
	Type          VaultType                     `json:"type"`
	Apps          map[signapp.AppID]HardwareKey `json:"apps"`
	BIP44Path     enroll.BIP44Path              `json:"bip44_path"`
	PasswordCheck *crypto.SealedPassword        `json:"password_check,omitempty"`
	CreatedAt     time.Time                     `json:"created_at"`
	UpdatedAt     time.Time                     `json:"updated_at"`
}

type storeFile struct {
	Vaults        []persistedVault `json:"vaults"`
	EnabledChains []string         `json:"enabled_chains,omitempty"`
}

// PersistentStore wraps MemoryStore and persists to a JSON file using
// atomic rename.
type PersistentStore struct {
	*MemoryStore
	path   string
	saveMu sync.Mutex
}

// NewPersistentStore creates a store that persists to the given file path.
// If the file exists, vaults are loaded from it on startup.
func NewPersistentStore(path string) (*PersistentStore, error) {
	ps := &PersistentStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := ps.load(); err != nil {
			return nil, fmt.Errorf("load existing data: %w", err)
		}
		slog.Debug("persistent store loaded", "vaults", len(ps.vaults))
	}

	return ps, nil
}

func (ps *PersistentStore) Put(v *Vault) error {
	if err := ps.MemoryStore.Put(v); err != nil {
		return err
	}
	return ps.save()
}

func (ps *PersistentStore) Update(id string, fn func(*Vault) error) error {
	if err := ps.MemoryStore.Update(id, fn); err != nil {
		return err
	}
	return ps.save()
}

func (ps *PersistentStore) Delete(id string) error {
	if err := ps.MemoryStore.Delete(id); err != nil {
		return err
	}
	return ps.save()
}

func (ps *PersistentStore) EnableChains(chainIDs ...string) error {
	if err := ps.MemoryStore.EnableChains(chainIDs...); err != nil {
		return err
	}
	return ps.save()
}

// save writes all vaults to a temp file then atomically renames it.
func (ps *PersistentStore) save() error {
	ps.saveMu.Lock()
	defer ps.saveMu.Unlock()

	vaults, _ := ps.MemoryStore.List()
	chains, _ := ps.MemoryStore.EnabledChains()

	sf := storeFile{Vaults: make([]persistedVault, 0, len(vaults)), EnabledChains: chains}
	for _, v := range vaults {
		sf.Vaults = append(sf.Vaults, persistedVault{
			ID:            v.ID,
			Name:          v.Name,
			Type:          v.Type,
			Apps:          v.Apps,
			BIP44Path:     v.BIP44Path,
			PasswordCheck: v.PasswordCheck,
			CreatedAt:     v.CreatedAt,
			UpdatedAt:     v.UpdatedAt,
		})
	}

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	tmpPath := ps.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, ps.path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}

func (ps *PersistentStore) load() error {
	data, err := os.ReadFile(ps.path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var sf storeFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}

	for _, pv := range sf.Vaults {
		apps := pv.Apps
		if apps == nil {
			apps = make(map[signapp.AppID]HardwareKey)
		}
		ps.vaults[pv.ID] = &Vault{
			ID:            pv.ID,
			Name:          pv.Name,
			Type:          pv.Type,
			Apps:          apps,
			BIP44Path:     pv.BIP44Path,
			PasswordCheck: pv.PasswordCheck,
			CreatedAt:     pv.CreatedAt,
			UpdatedAt:     pv.UpdatedAt,
		}
	}
	for _, id := range sf.EnabledChains {
		ps.chains[id] = struct{}{}
	}

	return nil
}
