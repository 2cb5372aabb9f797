// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package keyring stores credentials encrypted at rest.
//
// Connections hold only an opaque reference; the real secret lives in a
// single AES-256-GCM encrypted file and is resolved through Lookup at
// connect time. The master key is generated on first use and kept next
// to the keyring with owner-only permissions. A master password can be
// used instead, in which case the key is derived with PBKDF2-SHA-256.
package keyring

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/jeranaias/skiff/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// NonceSize is the AES-GCM nonce size (96 bits).
	NonceSize = 12

	// KeySize is the AES-256 key size.
	KeySize = 32

	// SaltSize is the PBKDF2 salt size.
	SaltSize = 32

	// PBKDF2Iterations follows the OWASP recommendation for
	// PBKDF2-SHA-256.
	PBKDF2Iterations = 600000
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrRefNotFound is returned when a credential reference is unknown.
	ErrRefNotFound = errors.New("credential reference not found")

	// ErrDecryptionFailed means the keyring could not be decrypted
	// (wrong key or tampered file).
	ErrDecryptionFailed = errors.New("keyring decryption failed")
)

// ZeroBytes overwrites key material before release.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// =============================================================================
// KEY DERIVATION
// =============================================================================

// DeriveKey derives an encryption key from a password and salt using
// PBKDF2-SHA-256.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, KeySize, sha256.New)
}

func generateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// =============================================================================
// KEYRING
// =============================================================================

// Keyring is the encrypted credential file plus its cipher. Safe for
// concurrent use.
type Keyring struct {
	mu      sync.RWMutex
	path    string
	cipher  cipher.AEAD
	secrets map[string]string
}

// DefaultPath returns ~/.skiff/keyring.dat.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".skiff", "keyring.dat"), nil
}

// Open loads the keyring at path, creating it (and a random master key
// at path+".key") on first use.
func Open(path string) (*Keyring, error) {
	key, err := loadOrCreateKey(path + ".key")
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)
	return openWithKey(path, key)
}

// OpenWithPassword loads the keyring using a password-derived key. The
// salt lives at path+".salt" and is generated on first use.
func OpenWithPassword(path, password string) (*Keyring, error) {
	salt, err := loadOrCreateSalt(path + ".salt")
	if err != nil {
		return nil, err
	}
	key := DeriveKey(password, salt)
	defer ZeroBytes(key)
	return openWithKey(path, key)
}

func openWithKey(path string, key []byte) (*Keyring, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	k := &Keyring{
		path:    path,
		cipher:  gcm,
		secrets: make(map[string]string),
	}
	if err := k.load(); err != nil {
		return nil, err
	}
	return k, nil
}

// Store encrypts a secret and returns the opaque reference that
// resolves back to it. The reference is what connection records carry.
func (k *Keyring) Store(secret string) (string, error) {
	ref := generateRef()

	k.mu.Lock()
	defer k.mu.Unlock()
	k.secrets[ref] = secret
	if err := k.save(); err != nil {
		delete(k.secrets, ref)
		return "", err
	}
	return ref, nil
}

// Lookup resolves a reference to its secret. Satisfies the connection
// manager's CredentialSource interface.
func (k *Keyring) Lookup(ref string) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	secret, ok := k.secrets[ref]
	if !ok {
		return "", ErrRefNotFound
	}
	return secret, nil
}

// Delete removes a credential. Idempotent.
func (k *Keyring) Delete(ref string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.secrets[ref]; !ok {
		return nil
	}
	delete(k.secrets, ref)
	return k.save()
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// load reads and decrypts the keyring file. A missing file is an empty
// keyring.
func (k *Keyring) load() error {
	data, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read keyring: %w", err)
	}
	if len(data) < NonceSize {
		return ErrDecryptionFailed
	}

	nonce, ciphertext := data[:NonceSize], data[NonceSize:]
	plaintext, err := k.cipher.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return ErrDecryptionFailed
	}
	defer ZeroBytes(plaintext)

	return json.Unmarshal(plaintext, &k.secrets)
}

// save encrypts and writes the keyring atomically. Caller holds k.mu.
func (k *Keyring) save() error {
	plaintext, err := json.Marshal(k.secrets)
	if err != nil {
		return err
	}
	defer ZeroBytes(plaintext)

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := k.cipher.Seal(nil, nonce, plaintext, nil)
	out := append(nonce, ciphertext...)

	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return err
	}
	return util.AtomicWriteFile(k.path, out, 0600)
}

// =============================================================================
// KEY FILES
// =============================================================================

func loadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != KeySize {
			return nil, fmt.Errorf("master key at %s has wrong size", path)
		}
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := util.AtomicWriteFile(path, key, 0600); err != nil {
		return nil, err
	}
	return key, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := util.AtomicWriteFile(path, salt, 0600); err != nil {
		return nil, err
	}
	return salt, nil
}

func generateRef() string {
	return "cred_" + uuid.NewString()
}
