package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for passphrase-derived keys.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	KeyLen       = 32 // AES-256
	saltLen      = 16
	nonceLen     = 12
)

// cipherPrefix tags the ciphertext format so it can change later.
const cipherPrefix = "v1:"

// ErrMalformed is returned for ciphertext that is not in v1 format.
var ErrMalformed = errors.New("malformed ciphertext")

// DeriveKey derives a 32-byte key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// GenerateKey returns a random 32-byte key.
func GenerateKey() ([]byte, error) {
	return randomBytes(KeyLen, "key")
}

// GenerateSalt returns a random 16-byte salt.
func GenerateSalt() ([]byte, error) {
	return randomBytes(saltLen, "salt")
}

func randomBytes(n int, what string) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generate %s: %w", what, err)
	}
	return b, nil
}

// seal encrypts plaintext with AES-256-GCM and returns "v1:" + base64(nonce||ct).
func seal(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce, err := randomBytes(nonceLen, "nonce")
	if err != nil {
		return "", err
	}
	ct := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return cipherPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// open reverses seal.
func open(key []byte, ciphertext string) (string, error) {
	enc, ok := strings.CutPrefix(ciphertext, cipherPrefix)
	if !ok {
		return "", ErrMalformed
	}
	data, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(data) < nonceLen {
		return "", fmt.Errorf("%w: too short", ErrMalformed)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, data[:nonceLen], data[nonceLen:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// zero overwrites a byte slice.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
