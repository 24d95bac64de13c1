package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/example/gym-autobook/internal/crypto"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]crypto.Ciphertext
}

func newMemStore() *memStore { return &memStore{rows: map[string]crypto.Ciphertext{}} }

func (m *memStore) Upsert(_ context.Context, owner string, ct crypto.Ciphertext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[owner] = ct
	return nil
}

func (m *memStore) Get(_ context.Context, owner string) (crypto.Ciphertext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.rows[owner]
	if !ok {
		return "", ErrNotFound
	}
	return ct, nil
}

func (m *memStore) Delete(_ context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, owner)
	return nil
}

func (m *memStore) Owners(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for o := range m.rows {
		out = append(out, o)
	}
	return out, nil
}

func newVault(t *testing.T, store Store) *Vault {
	t.Helper()
	aead, err := crypto.New(bytes.Repeat([]byte{0x11}, 32))
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}
	return New(store, aead)
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, newMemStore())

	if err := v.Store(ctx, "alice", "alice@example.com", "s3cret"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	c, err := v.Retrieve(ctx, "alice")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if c.Username != "alice@example.com" || c.Password != "s3cret" {
		t.Errorf("got %+v", c)
	}
}

func TestRetrieveUnknownOwner(t *testing.T) {
	v := newVault(t, newMemStore())
	if _, err := v.Retrieve(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRetrieveTamperedCiphertext(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	v := newVault(t, store)

	if err := v.Store(ctx, "alice", "alice@example.com", "s3cret"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	raw, _ := base64.RawStdEncoding.DecodeString(store.rows["alice"].Raw())
	raw[len(raw)-1] ^= 0x01
	store.rows["alice"] = crypto.Ciphertext(base64.RawStdEncoding.EncodeToString(raw))

	_, err := v.Retrieve(ctx, "alice")
	if !errors.Is(err, crypto.ErrDecrypt) {
		t.Errorf("got %v, want crypto.ErrDecrypt", err)
	}
}

func TestRetrieveAfterKeyRotation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	v := newVault(t, store)
	if err := v.Store(ctx, "alice", "alice@example.com", "s3cret"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	rotated, _ := crypto.New(bytes.Repeat([]byte{0x99}, 32))
	v2 := New(store, rotated)
	if _, err := v2.Retrieve(ctx, "alice"); !errors.Is(err, crypto.ErrDecrypt) {
		t.Errorf("got %v, want crypto.ErrDecrypt", err)
	}
}

func TestOverwriteAndDelete(t *testing.T) {
	ctx := context.Background()
	v := newVault(t, newMemStore())

	if err := v.Store(ctx, "bob", "bob", "one"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := v.Store(ctx, "bob", "bob", "two"); err != nil {
		t.Fatalf("Store overwrite: %v", err)
	}
	c, err := v.Retrieve(ctx, "bob")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if c.Password != "two" {
		t.Errorf("got password %q, want %q", c.Password, "two")
	}

	if err := v.Delete(ctx, "bob"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := v.Retrieve(ctx, "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: got %v, want ErrNotFound", err)
	}
}
