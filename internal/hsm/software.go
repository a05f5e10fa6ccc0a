package hsm

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/glinharesb/yubihsm-enroll/internal/crypto"
)

const maxAuthFailures = 3

type authKey struct {
	id       uint16
	label    string
	salt     []byte
	key      []byte
	canSign  bool
	failures int
}

type keyObject struct {
	Object
	priv *ecdsa.PrivateKey
}

// SoftwareHSM is a software-only device for development and testing.
// It mimics YubiHSM2 session rules: auth keys lock after repeated
// password failures and only sign-capable auth keys may drive a signer.
type SoftwareHSM struct {
	mu       sync.Mutex
	authKeys map[uint16]*authKey
	objects  map[uint16]*keyObject
	path     string
}

func NewSoftwareHSM() *SoftwareHSM {
	return &SoftwareHSM{
		authKeys: make(map[uint16]*authKey),
		objects:  make(map[uint16]*keyObject),
	}
}

// NewDevSoftwareHSM returns a device with the factory auth key 1
// ("password") and two secp256k1 objects.
func NewDevSoftwareHSM() (*SoftwareHSM, error) {
	h := NewSoftwareHSM()
	if err := h.AddAuthKey(1, "default", "password", true); err != nil {
		return nil, err
	}
	for _, id := range []uint16{1, 2} {
		if _, err := h.GenerateKey(id, "wallet-"+strconv.Itoa(int(id))); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// OpenSoftwareHSM loads a device from path, creating a dev device there
// if the file does not exist. Every state change is written back.
func OpenSoftwareHSM(path string) (*SoftwareHSM, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create device dir: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		h, err := NewDevSoftwareHSM()
		if err != nil {
			return nil, err
		}
		h.path = path
		if err := h.save(); err != nil {
			return nil, err
		}
		slog.Info("software hsm created", "path", path)
		return h, nil
	}

	h := NewSoftwareHSM()
	h.path = path
	if err := h.load(); err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	slog.Info("software hsm loaded", "path", path, "auth_keys", len(h.authKeys), "objects", len(h.objects))
	return h, nil
}

// AddAuthKey registers an auth key. The password is stored only as an
// HKDF-derived key.
func (h *SoftwareHSM) AddAuthKey(id uint16, label, password string, canSign bool) error {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	key, err := deriveAuthKey(id, password, salt)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.authKeys[id]; exists {
		return fmt.Errorf("auth key %d already exists", id)
	}
	h.authKeys[id] = &authKey{id: id, label: label, salt: salt, key: key, canSign: canSign}
	return h.saveLocked()
}

// GenerateKey creates a secp256k1 object with the given id.
func (h *SoftwareHSM) GenerateKey(id uint16, label string) (Object, error) {
	priv, err := crypto.GenerateSecp256k1Key()
	if err != nil {
		return Object{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.objects[id]; exists {
		return Object{}, fmt.Errorf("object %d already exists", id)
	}
	obj := &keyObject{
		Object: Object{
			ID:        id,
			Type:      ObjectSecp256k1,
			Label:     label,
			PublicKey: crypto.RawPublicKey(&priv.PublicKey),
		},
		priv: priv,
	}
	h.objects[id] = obj
	if err := h.saveLocked(); err != nil {
		return Object{}, err
	}
	return obj.Object, nil
}

func (h *SoftwareHSM) ListAsymmetricKeys(authKeyID uint16, password string) ([]Object, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.authenticateLocked(authKeyID, password); err != nil {
		return nil, err
	}

	result := make([]Object, 0, len(h.objects))
	for _, obj := range h.objects {
		result = append(result, obj.Object)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (h *SoftwareHSM) GetAsymmetricKey(authKeyID uint16, password string, objectID uint16) (Object, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.authenticateLocked(authKeyID, password); err != nil {
		return Object{}, err
	}
	obj, ok := h.objects[objectID]
	if !ok {
		return Object{}, fmt.Errorf("%w: %d", ErrObjectNotFound, objectID)
	}
	return obj.Object, nil
}

func (h *SoftwareHSM) CheckSigner(authKeyID, objectID uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ak, ok := h.authKeys[authKeyID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrAuthKeyNotFound, authKeyID)
	}
	if ak.failures >= maxAuthFailures {
		return ErrAuthKeyLocked
	}
	if !ak.canSign {
		return ErrPermissionDenied
	}
	if _, ok := h.objects[objectID]; !ok {
		return fmt.Errorf("%w: %d", ErrObjectNotFound, objectID)
	}
	return nil
}

func (h *SoftwareHSM) authenticateLocked(id uint16, password string) error {
	ak, ok := h.authKeys[id]
	if !ok {
		return ErrAuthFailed
	}
	if ak.failures >= maxAuthFailures {
		return ErrAuthKeyLocked
	}

	got, err := deriveAuthKey(id, password, ak.salt)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got, ak.key) != 1 {
		ak.failures++
		if err := h.saveLocked(); err != nil {
			slog.Warn("persist auth failure", "error", err)
		}
		if ak.failures >= maxAuthFailures {
			return ErrAuthKeyLocked
		}
		return ErrAuthFailed
	}
	if ak.failures != 0 {
		ak.failures = 0
		return h.saveLocked()
	}
	return nil
}

func deriveAuthKey(id uint16, password string, salt []byte) ([]byte, error) {
	return crypto.DeriveKey([]byte(password), salt, []byte("yubihsm auth key "+strconv.Itoa(int(id))), 32)
}

type persistedAuthKey struct {
	ID       uint16 `json:"id"`
	Label    string `json:"label,omitempty"`
	Salt     []byte `json:"salt"`
	Key      []byte `json:"key"`
	CanSign  bool   `json:"can_sign"`
	Failures int    `json:"failures,omitempty"`
}

type persistedObject struct {
	ID         uint16     `json:"id"`
	Type       ObjectType `json:"type"`
	Sequence   int        `json:"sequence"`
	Label      string     `json:"label,omitempty"`
	PrivateKey []byte     `json:"private_key"`
}

type deviceFile struct {
	AuthKeys []persistedAuthKey `json:"auth_keys"`
	Objects  []persistedObject  `json:"objects"`
}

func (h *SoftwareHSM) save() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.saveLocked()
}

// saveLocked writes the device to a temp file then atomically renames it.
// It is a no-op for in-memory devices.
func (h *SoftwareHSM) saveLocked() error {
	if h.path == "" {
		return nil
	}

	var df deviceFile
	for _, ak := range h.authKeys {
		df.AuthKeys = append(df.AuthKeys, persistedAuthKey{
			ID: ak.id, Label: ak.label, Salt: ak.salt, Key: ak.key, CanSign: ak.canSign, Failures: ak.failures,
		})
	}
	for _, obj := range h.objects {
		df.Objects = append(df.Objects, persistedObject{
			ID: obj.ID, Type: obj.Type, Sequence: obj.Sequence, Label: obj.Label,
			PrivateKey: crypto.MarshalPrivateKey(obj.priv),
		})
	}
	sort.Slice(df.AuthKeys, func(i, j int) bool { return df.AuthKeys[i].ID < df.AuthKeys[j].ID })
	sort.Slice(df.Objects, func(i, j int) bool { return df.Objects[i].ID < df.Objects[j].ID })

	data, err := json.MarshalIndent(df, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal device: %w", err)
	}
	tmpPath := h.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, h.path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func (h *SoftwareHSM) load() error {
	data, err := os.ReadFile(h.path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	var df deviceFile
	if err := json.Unmarshal(data, &df); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}

	for _, pa := range df.AuthKeys {
		h.authKeys[pa.ID] = &authKey{
			id: pa.ID, label: pa.Label, salt: pa.Salt, key: pa.Key, canSign: pa.CanSign, failures: pa.Failures,
		}
	}
	for _, po := range df.Objects {
		priv, err := crypto.UnmarshalPrivateKey(po.PrivateKey)
		if err != nil {
			return fmt.Errorf("object %d: %w", po.ID, err)
		}
		h.objects[po.ID] = &keyObject{
			Object: Object{
				ID:        po.ID,
				Type:      po.Type,
				Sequence:  po.Sequence,
				Label:     po.Label,
				PublicKey: crypto.RawPublicKey(&priv.PublicKey),
			},
			priv: priv,
		}
	}
	return nil
}
