package keystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glinharesb/yubihsm-enroll/internal/enroll"
	"github.com/glinharesb/yubihsm-enroll/internal/signapp"
)

func makeVault(t *testing.T, id string) *Vault {
	t.Helper()
	return &Vault{
		ID:   id,
		Name: "vault " + id,
		Type: VaultHardware,
		Apps: map[signapp.AppID]HardwareKey{
			signapp.Cosmos: {PublicKey: bytes.Repeat([]byte{2}, 33), AuthKeyIDSign: 1, ObjectID: 1},
		},
		CreatedAt: time.Now(),
	}
}

func testCredential() enroll.Credential {
	return enroll.Credential{
		CompressedPublicKey: append([]byte{0x03}, bytes.Repeat([]byte{9}, 32)...),
		App:                 signapp.Cosmos,
		AuthKeyID:           5,
		ObjectID:            1,
		BIP44Path:           enroll.BIP44Path{Account: 0, Change: 0, AddressIndex: 2},
	}
}

func TestPutAndGet(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Put(makeVault(t, "vault-1")); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get("vault-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "vault-1" || got.Type != VaultHardware {
		t.Fatalf("unexpected vault %+v", got)
	}
}

func TestPutDuplicate(t *testing.T) {
	store := NewMemoryStore()
	store.Put(makeVault(t, "vault-1"))

	if err := store.Put(makeVault(t, "vault-1")); !errors.Is(err, ErrVaultExists) {
		t.Fatalf("expected ErrVaultExists, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get("nonexistent"); err != ErrVaultNotFound {
		t.Fatalf("expected ErrVaultNotFound, got %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	store.Put(makeVault(t, "vault-1"))

	got, _ := store.Get("vault-1")
	got.Apps[signapp.Terra] = HardwareKey{}
	got.Apps[signapp.Cosmos].PublicKey[0] = 0xff

	again, _ := store.Get("vault-1")
	if len(again.Apps) != 1 || again.Apps[signapp.Cosmos].PublicKey[0] != 2 {
		t.Fatal("mutating a returned vault must not change the store")
	}
}

func TestListOrdered(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now()
	for i := range 5 {
		v := makeVault(t, fmt.Sprintf("vault-%d", i))
		v.CreatedAt = base.Add(time.Duration(5-i) * time.Second)
		store.Put(v)
	}

	vaults, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(vaults) != 5 {
		t.Fatalf("expected 5 vaults, got %d", len(vaults))
	}
	if vaults[0].ID != "vault-4" || vaults[4].ID != "vault-0" {
		t.Fatalf("expected oldest first, got %s..%s", vaults[0].ID, vaults[4].ID)
	}
}

func TestUpdateDiscardedOnError(t *testing.T) {
	store := NewMemoryStore()
	store.Put(makeVault(t, "vault-1"))

	boom := errors.New("boom")
	err := store.Update("vault-1", func(v *Vault) error {
		v.Name = "changed"
		return boom
	})
	if err != boom {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := store.Get("vault-1")
	if got.Name != "vault vault-1" {
		t.Fatal("failed update must not be applied")
	}

	if err := store.Update("nonexistent", func(*Vault) error { return nil }); err != ErrVaultNotFound {
		t.Fatalf("expected ErrVaultNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store := NewMemoryStore()
	store.Put(makeVault(t, "vault-1"))

	if err := store.Delete("vault-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get("vault-1"); err != ErrVaultNotFound {
		t.Fatal("deleted vault should not be found")
	}
	if err := store.Delete("vault-1"); err != ErrVaultNotFound {
		t.Fatalf("expected ErrVaultNotFound, got %v", err)
	}
}

func TestEnableChains(t *testing.T) {
	store := NewMemoryStore()
	store.EnableChains("osmosis-1", "cosmoshub-4")
	store.EnableChains("cosmoshub-4")

	chains, _ := store.EnabledChains()
	if len(chains) != 2 || chains[0] != "cosmoshub-4" || chains[1] != "osmosis-1" {
		t.Fatalf("unexpected chains %v", chains)
	}
	if err := store.EnableChains("juno-1", ""); err == nil {
		t.Fatal("empty chain id should fail")
	}
	if chains, _ := store.EnabledChains(); len(chains) != 2 {
		t.Fatal("a rejected batch must not be partially applied")
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	store := NewMemoryStore()
	const numVaults = 50
	const numReaders = 100

	for i := range numVaults / 2 {
		store.Put(makeVault(t, fmt.Sprintf("pre-%d", i)))
	}

	var wg sync.WaitGroup

	for i := range numVaults {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Put(makeVault(t, fmt.Sprintf("w-%d", i)))
		}(i)
	}

	for range numReaders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.List()
		}()
	}

	for i := range numVaults / 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Update(fmt.Sprintf("pre-%d", i), func(v *Vault) error {
				v.Apps[signapp.Secret] = HardwareKey{ObjectID: uint16(i)}
				return nil
			})
		}(i)
	}

	wg.Wait()

	for i := range numVaults / 2 {
		got, err := store.Get(fmt.Sprintf("pre-%d", i))
		if err != nil {
			t.Fatalf("pre-%d not found: %v", i, err)
		}
		if _, ok := got.Apps[signapp.Secret]; !ok {
			t.Fatalf("pre-%d: update lost", i)
		}
	}
}

func TestKeyringCreateAndAppend(t *testing.T) {
	kr := NewKeyring(NewMemoryStore(), nil)
	ctx := context.Background()

	v, err := kr.CreateHardwareVault(ctx, "desk", "hunter22", testCredential())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v.Apps[signapp.Cosmos].ObjectID != 1 || v.BIP44Path.AddressIndex != 2 {
		t.Fatalf("unexpected vault %+v", v)
	}

	pk := append([]byte{0x02}, bytes.Repeat([]byte{7}, 32)...)
	if err := kr.AppendHardwareKeyApp(ctx, v.ID, pk, 6, 2, signapp.Ethereum); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := kr.AppendHardwareKeyApp(ctx, v.ID, pk, 6, 2, signapp.Ethereum); !errors.Is(err, ErrAppExists) {
		t.Fatalf("expected ErrAppExists, got %v", err)
	}
	if err := kr.AppendHardwareKeyApp(ctx, "missing", pk, 6, 2, signapp.Terra); !errors.Is(err, ErrVaultNotFound) {
		t.Fatalf("expected ErrVaultNotFound, got %v", err)
	}
	if err := kr.AppendHardwareKeyApp(ctx, v.ID, pk, 6, 2, "Dogecoin"); err == nil {
		t.Fatal("unsupported app should fail")
	}

	vaults, _ := kr.Vaults()
	if len(vaults) != 1 {
		t.Fatalf("expected 1 vault, got %d", len(vaults))
	}
	apps := vaults[0].AppIDs()
	if len(apps) != 2 || apps[0] != signapp.Cosmos || apps[1] != signapp.Ethereum {
		t.Fatalf("unexpected apps %v", apps)
	}
	if vaults[0].Apps[signapp.Ethereum].AuthKeyIDSign != 6 {
		t.Fatal("sign auth key not recorded")
	}
}

func TestKeyringUnlock(t *testing.T) {
	kr := NewKeyring(NewMemoryStore(), nil)
	v, err := kr.CreateHardwareVault(context.Background(), "desk", "hunter22", testCredential())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if ok, _ := kr.Unlock(v.ID, "hunter22"); !ok {
		t.Fatal("correct password should unlock")
	}
	if ok, _ := kr.Unlock(v.ID, "hunter23"); ok {
		t.Fatal("wrong password should not unlock")
	}
	if _, err := kr.Unlock("missing", "x"); err != ErrVaultNotFound {
		t.Fatalf("expected ErrVaultNotFound, got %v", err)
	}
}

func TestKeyringFinalizeScene(t *testing.T) {
	kr := NewKeyring(NewMemoryStore(), nil)
	props := enroll.FinalizeProps{Name: "laptop", Password: "pw", Credential: testCredential(), StepPrevious: 2, StepTotal: 3}

	if err := kr.ReplaceAll(context.Background(), "register-intro", props); err == nil {
		t.Fatal("unknown scene should fail")
	}
	if err := kr.ReplaceAll(context.Background(), enroll.FinalizeScene, props); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	vaults, _ := kr.Vaults()
	if len(vaults) != 1 || vaults[0].Name != "laptop" {
		t.Fatalf("unexpected vaults %+v", vaults)
	}

	props.Name = "  "
	if err := kr.ReplaceAll(context.Background(), enroll.FinalizeScene, props); err == nil {
		t.Fatal("blank name should fail")
	}
	props.Name, props.Password = "x", ""
	if err := kr.ReplaceAll(context.Background(), enroll.FinalizeScene, props); err == nil {
		t.Fatal("empty password should fail")
	}
}
