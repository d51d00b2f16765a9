// Package vault encrypts stored API credentials with AES-256-GCM.
package vault

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Config selects where the key comes from. A passphrase takes precedence
// over the key file.
type Config struct {
	KeyFile    string `mapstructure:"key_file"`
	Passphrase string `mapstructure:"passphrase"`
	SaltFile   string `mapstructure:"salt_file"`
}

// DefaultConfig returns the default key file location.
func DefaultConfig() Config {
	return Config{KeyFile: "labdash.key"}
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("vault is closed")

// Vault holds the active key in memory. Safe for concurrent use.
type Vault struct {
	mu      sync.RWMutex
	key     []byte
	keyFile string
}

// New wraps an existing key; it is copied.
func New(key []byte) (*Vault, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("key length %d, want %d", len(key), KeyLen)
	}
	k := make([]byte, KeyLen)
	copy(k, key)
	return &Vault{key: k}, nil
}

// Open loads the key described by cfg, creating the key file on first start.
func Open(cfg Config, logger *zap.Logger) (*Vault, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Passphrase != "" {
		saltFile := cfg.SaltFile
		if saltFile == "" {
			saltFile = cfg.KeyFile + ".salt"
		}
		salt, err := loadOrCreateSalt(saltFile)
		if err != nil {
			return nil, err
		}
		logger.Info("vault key derived from passphrase", zap.String("salt_file", saltFile))
		return &Vault{key: DeriveKey(cfg.Passphrase, salt)}, nil
	}

	if cfg.KeyFile == "" {
		return nil, errors.New("vault: key_file or passphrase is required")
	}
	key, created, err := loadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	if created {
		logger.Warn("generated new vault key; back it up, stored credentials cannot be recovered without it",
			zap.String("key_file", cfg.KeyFile),
		)
	}
	return &Vault{key: key, keyFile: cfg.KeyFile}, nil
}

// Encrypt seals plaintext. The empty string stays empty.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return "", ErrClosed
	}
	return seal(v.key, plaintext)
}

// Decrypt opens ciphertext produced by Encrypt. The empty string stays empty.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return "", ErrClosed
	}
	return open(v.key, ciphertext)
}

// Rotation re-encrypts values from the current key to a new one. The vault
// keeps using the old key until Commit.
type Rotation struct {
	v      *Vault
	oldKey []byte
	newKey []byte
	done   bool
}

// Rotate starts a key rotation to newKey.
func (v *Vault) Rotate(newKey []byte) (*Rotation, error) {
	if len(newKey) != KeyLen {
		return nil, fmt.Errorf("key length %d, want %d", len(newKey), KeyLen)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, ErrClosed
	}
	r := &Rotation{v: v, oldKey: make([]byte, KeyLen), newKey: make([]byte, KeyLen)}
	copy(r.oldKey, v.key)
	copy(r.newKey, newKey)
	return r, nil
}

// Reencrypt decrypts with the old key and encrypts with the new one.
func (r *Rotation) Reencrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	plain, err := open(r.oldKey, ciphertext)
	if err != nil {
		return "", err
	}
	return seal(r.newKey, plain)
}

// Commit switches the vault to the new key and rewrites the key file when
// the vault was opened from one.
func (r *Rotation) Commit() error {
	if r.done {
		return errors.New("rotation already finished")
	}
	r.v.mu.Lock()
	defer r.v.mu.Unlock()

	if r.v.keyFile != "" {
		if err := WriteKeyFile(r.v.keyFile, r.newKey); err != nil {
			return err
		}
	}
	zero(r.v.key)
	r.v.key = r.newKey
	zero(r.oldKey)
	r.done = true
	return nil
}

// Abort discards the rotation.
func (r *Rotation) Abort() {
	if r.done {
		return
	}
	zero(r.oldKey)
	zero(r.newKey)
	r.done = true
}

// Close zeroes the key.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key != nil {
		zero(v.key)
		v.key = nil
	}
}
