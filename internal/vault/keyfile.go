package vault

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ReadKeyFile loads a key stored as hex, base64, or 32 raw bytes.
func ReadKeyFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	if len(raw) == KeyLen {
		return raw, nil
	}
	text := strings.TrimSpace(string(raw))
	if key, err := hex.DecodeString(text); err == nil && len(key) == KeyLen {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(text); err == nil && len(key) == KeyLen {
		return key, nil
	}
	return nil, fmt.Errorf("key file %s: want %d bytes as hex, base64, or raw", path, KeyLen)
}

// WriteKeyFile stores a key hex-encoded with owner-only permissions.
func WriteKeyFile(path string, key []byte) error {
	if len(key) != KeyLen {
		return fmt.Errorf("key length %d, want %d", len(key), KeyLen)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace key file: %w", err)
	}
	return nil
}

// loadOrCreateKey reads path, generating a fresh key when it does not exist.
func loadOrCreateKey(path string) (key []byte, created bool, err error) {
	key, err = ReadKeyFile(path)
	if err == nil {
		return key, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	key, err = GenerateKey()
	if err != nil {
		return nil, false, err
	}
	if err := WriteKeyFile(path, key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// loadOrCreateSalt reads a raw salt file, creating one when missing.
func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == saltLen {
		return salt, nil
	}
	if err == nil {
		return nil, fmt.Errorf("salt file %s: want %d bytes, got %d", path, saltLen, len(salt))
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read salt file: %w", err)
	}
	salt, err = GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write salt file: %w", err)
	}
	return salt, nil
}
