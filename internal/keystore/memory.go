package keystore

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// MemoryStore is a thread-safe in-memory vault store backed by
// sync.RWMutex.
type MemoryStore struct {
	mu     sync.RWMutex
	vaults map[string]*Vault
	chains map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vaults: make(map[string]*Vault),
		chains: make(map[string]struct{}),
	}
}

func (m *MemoryStore) Put(v *Vault) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.vaults[v.ID]; exists {
		return fmt.Errorf("%w: %s", ErrVaultExists, v.ID)
	}
	m.vaults[v.ID] = v.Clone()
	return nil
}

func (m *MemoryStore) Get(id string) (*Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.vaults[id]
	if !ok {
		return nil, ErrVaultNotFound
	}
	return v.Clone(), nil
}

// List returns all vaults, oldest first.
func (m *MemoryStore) List() ([]*Vault, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Vault, 0, len(m.vaults))
	for _, v := range m.vaults {
		result = append(result, v.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) Update(id string, fn func(*Vault) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.vaults[id]
	if !ok {
		return ErrVaultNotFound
	}
	next := v.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.ID = id
	m.vaults[id] = next
	return nil
}

func (m *MemoryStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.vaults[id]; !ok {
		return ErrVaultNotFound
	}
	delete(m.vaults, id)
	return nil
}

func (m *MemoryStore) EnableChains(chainIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range chainIDs {
		if id == "" {
			return fmt.Errorf("chain id cannot be empty")
		}
	}
	for _, id := range chainIDs {
		m.chains[id] = struct{}{}
	}
	return nil
}

// EnabledChains returns the enabled chain ids sorted.
func (m *MemoryStore) EnabledChains() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.chains))
	for id := range m.chains {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}
