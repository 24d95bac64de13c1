// Package vault stores target-site credentials encrypted at rest. The
// encryption key is process-wide configuration; a key mismatch surfaces as
// crypto.ErrDecrypt and is never folded into "no credential".
package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/gym-autobook/internal/crypto"
)

var ErrNotFound = errors.New("vault: no credential for owner")

type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Store holds ciphertext rows keyed by owner. The Postgres implementation is
// PGStore; tests use an in-memory map.
type Store interface {
	Upsert(ctx context.Context, owner string, ct crypto.Ciphertext) error
	Get(ctx context.Context, owner string) (crypto.Ciphertext, error)
	Delete(ctx context.Context, owner string) error
	Owners(ctx context.Context) ([]string, error)
}

type Vault struct {
	store Store
	aead  *crypto.AEAD
}

func New(store Store, aead *crypto.AEAD) *Vault {
	return &Vault{store: store, aead: aead}
}

func (v *Vault) Store(ctx context.Context, owner, username, password string) error {
	plain, err := json.Marshal(Credential{Username: username, Password: password})
	if err != nil {
		return err
	}
	ct, err := v.aead.Seal(string(plain))
	if err != nil {
		return err
	}
	return v.store.Upsert(ctx, owner, ct)
}

// Retrieve decrypts the stored credential. crypto.ErrDecrypt means the
// configured key no longer matches the ciphertext (rotated without
// re-encryption); that is fatal for the record and must reach the caller.
func (v *Vault) Retrieve(ctx context.Context, owner string) (Credential, error) {
	ct, err := v.store.Get(ctx, owner)
	if err != nil {
		return Credential{}, err
	}
	plain, err := v.aead.Open(ct)
	if err != nil {
		return Credential{}, fmt.Errorf("credential for %s: %w", owner, err)
	}
	var c Credential
	if err := json.Unmarshal([]byte(plain), &c); err != nil {
		return Credential{}, fmt.Errorf("credential for %s: %w", owner, err)
	}
	return c, nil
}

func (v *Vault) Delete(ctx context.Context, owner string) error {
	return v.store.Delete(ctx, owner)
}

// Owners lists every user with a stored credential; the session refresh job
// walks this set.
func (v *Vault) Owners(ctx context.Context) ([]string, error) {
	return v.store.Owners(ctx)
}
