package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/gym-autobook/internal/crypto"
	"github.com/example/gym-autobook/internal/target"
	"github.com/example/gym-autobook/internal/vault"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]Record
}

func newMemStore() *memStore { return &memStore{rows: map[string]Record{}} }

func (s *memStore) Get(_ context.Context, owner string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[owner]
	if !ok {
		return Record{}, ErrNoSession
	}
	return rec, nil
}

func (s *memStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[rec.Owner] = rec
	return nil
}

func (s *memStore) SetInvalid(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.rows[owner]
	rec.Invalidated = true
	s.rows[owner] = rec
	return nil
}

type fakeCreds struct {
	creds map[string]vault.Credential
}

func (f *fakeCreds) Retrieve(_ context.Context, owner string) (vault.Credential, error) {
	c, ok := f.creds[owner]
	if !ok {
		return vault.Credential{}, vault.ErrNotFound
	}
	return c, nil
}

func (f *fakeCreds) Owners(_ context.Context) ([]string, error) {
	var out []string
	for o := range f.creds {
		out = append(out, o)
	}
	return out, nil
}

type fakeAuth struct {
	mu      sync.Mutex
	calls   int
	failFor map[string]bool // username -> reject
	started chan string
	release chan struct{}
}

func (f *fakeAuth) Authenticate(ctx context.Context, username, password string) (target.SessionMaterial, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		f.started <- username
		<-f.release
	}
	if f.failFor[username] {
		return target.SessionMaterial{}, target.ErrAuthRejected
	}
	return target.SessionMaterial{CSRFToken: "tok-" + username}, nil
}

func (f *fakeAuth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestManager(t *testing.T, store Store, creds CredentialSource, auth Authenticator) *Manager {
	t.Helper()
	aead, err := crypto.New(bytes.Repeat([]byte{0x33}, 32))
	if err != nil {
		t.Fatalf("crypto.New: %v", err)
	}
	return NewManager(store, creds, auth, aead, 2*time.Hour, zerolog.Nop())
}

func twoUserCreds() *fakeCreds {
	return &fakeCreds{creds: map[string]vault.Credential{
		"alice": {Username: "alice", Password: "pw"},
		"bob":   {Username: "bob", Password: "pw"},
	}}
}

func TestAcquireWarmSessionSkipsLogin(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{}
	m := newTestManager(t, newMemStore(), twoUserCreds(), auth)

	sm, err := m.Acquire(ctx, "alice")
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if sm.CSRFToken != "tok-alice" {
		t.Errorf("material: %+v", sm)
	}
	if auth.callCount() != 1 {
		t.Fatalf("auth calls after first acquire: %d", auth.callCount())
	}

	if _, err := m.Acquire(ctx, "alice"); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if auth.callCount() != 1 {
		t.Errorf("warm acquire re-authenticated (calls=%d)", auth.callCount())
	}
}

func TestAcquireStaleSessionRefreshes(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{}
	m := newTestManager(t, newMemStore(), twoUserCreds(), auth)

	now := time.Now()
	m.now = func() time.Time { return now }
	if _, err := m.Acquire(ctx, "alice"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	now = now.Add(3 * time.Hour) // past the 2h threshold
	if _, err := m.Acquire(ctx, "alice"); err != nil {
		t.Fatalf("stale Acquire: %v", err)
	}
	if auth.callCount() != 2 {
		t.Errorf("stale session must refresh exactly once more (calls=%d)", auth.callCount())
	}
}

func TestInvalidateForcesSingleReauth(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{}
	m := newTestManager(t, newMemStore(), twoUserCreds(), auth)

	if _, err := m.Acquire(ctx, "alice"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := m.Invalidate(ctx, "alice"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := m.Acquire(ctx, "alice"); err != nil {
		t.Fatalf("Acquire after invalidate: %v", err)
	}
	if auth.callCount() != 2 {
		t.Errorf("invalidate must trigger exactly one re-auth (calls=%d)", auth.callCount())
	}
}

func TestAcquireAuthFailureSurfacesWithoutRetry(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{failFor: map[string]bool{"alice": true}}
	m := newTestManager(t, newMemStore(), twoUserCreds(), auth)

	_, err := m.Acquire(ctx, "alice")
	if !errors.Is(err, target.ErrAuthRejected) {
		t.Fatalf("got %v, want ErrAuthRejected", err)
	}
	if auth.callCount() != 1 {
		t.Errorf("acquire must not retry auth internally (calls=%d)", auth.callCount())
	}
}

func TestAcquireMissingCredential(t *testing.T) {
	m := newTestManager(t, newMemStore(), &fakeCreds{creds: map[string]vault.Credential{}}, &fakeAuth{})
	if _, err := m.Acquire(context.Background(), "ghost"); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("got %v, want vault.ErrNotFound", err)
	}
}

func TestDistinctOwnersDoNotContend(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{started: make(chan string, 2), release: make(chan struct{})}
	m := newTestManager(t, newMemStore(), twoUserCreds(), auth)

	var wg sync.WaitGroup
	for _, owner := range []string{"alice", "bob"} {
		owner := owner
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(ctx, owner); err != nil {
				t.Errorf("Acquire(%s): %v", owner, err)
			}
		}()
	}

	// Both logins must be in flight at once; per-owner locking must not
	// serialize unrelated users.
	for i := 0; i < 2; i++ {
		select {
		case <-auth.started:
		case <-time.After(2 * time.Second):
			t.Fatal("second owner's login never started; owners are serialized")
		}
	}
	close(auth.release)
	wg.Wait()
}

func TestRefreshAllIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	auth := &fakeAuth{failFor: map[string]bool{"bob": true}}
	m := newTestManager(t, store, twoUserCreds(), auth)

	m.RefreshAll(ctx, 2)

	if _, ok := store.rows["alice"]; !ok {
		t.Error("alice was not refreshed despite bob failing")
	}
	if _, ok := store.rows["bob"]; ok {
		t.Error("bob's failed refresh must not store a session")
	}
	if auth.callCount() != 2 {
		t.Errorf("both owners must be attempted (calls=%d)", auth.callCount())
	}
}
