// Package secrets keeps action secrets (webhook signing keys and the like)
// encrypted at rest. Steps reference a secret by name and the plaintext
// only exists in memory while an action runs.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"regexp"

	"golang.org/x/crypto/argon2"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// argon2id parameters for passphrase-derived keys.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// VaultConfig configures key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte // takes priority
	Passphrase string // derived with argon2id
	Salt       []byte // required with Passphrase
}

// Vault encrypts secrets with AES-256-GCM before handing them to the store.
// Safe for concurrent use.
type Vault struct {
	store store.SecretStore
	aead  cipher.AEAD
}

// NewVault creates a Vault over s.
func NewVault(s store.SecretStore, cfg VaultConfig) (*Vault, error) {
	key, err := deriveKey(cfg)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Vault{store: s, aead: aead}, nil
}

func deriveKey(cfg VaultConfig) ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != KeySize {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"secrets master key must be %d bytes, got %d", KeySize, len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "secrets vault needs a master key or a passphrase")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "secrets vault passphrase needs a salt")
	}
	return argon2.IDKey([]byte(cfg.Passphrase), cfg.Salt, argon2Time, argon2Memory, argon2Parallelism, KeySize), nil
}

// Put encrypts value and stores it under name, replacing any previous value.
func (v *Vault) Put(ctx context.Context, name string, value []byte) error {
	if !namePattern.MatchString(name) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"secret name %q: use letters, digits, '.', '_' or '-'", name)
	}
	if len(value) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "secret %q is empty", name)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	// The name is bound as additional data so ciphertexts cannot be
	// swapped between names.
	return v.store.PutSecret(ctx, name, v.aead.Seal(nonce, nonce, value, []byte(name)))
}

// Resolve returns the plaintext of name. A ciphertext that does not open
// under the current key is a configuration error.
func (v *Vault) Resolve(ctx context.Context, name string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	n := v.aead.NonceSize()
	if len(sealed) < n {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "secret %q: ciphertext too short", name)
	}
	plain, err := v.aead.Open(nil, sealed[:n], sealed[n:], []byte(name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"secret %q cannot be decrypted with the configured key", name).WithCause(err)
	}
	return plain, nil
}

func (v *Vault) Delete(ctx context.Context, name string) error {
	return v.store.DeleteSecret(ctx, name)
}

// List returns secret names; values never leave the vault this way.
func (v *Vault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}
