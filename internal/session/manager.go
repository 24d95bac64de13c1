// Package session keeps one warm authenticated target-site session per user
// so a booking attempt never pays the login round-trip inside its window.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/gym-autobook/internal/crypto"
	"github.com/example/gym-autobook/internal/target"
	"github.com/example/gym-autobook/internal/vault"
)

// ErrNoSession is internal to the store contract; Acquire reacts to it by
// re-authenticating.
var ErrNoSession = errors.New("session: none stored for owner")

// Record is a persisted session row. The material is stored encrypted only.
type Record struct {
	Owner         string
	Ciphertext    crypto.Ciphertext
	LastRefreshed time.Time
	ValidUntil    time.Time
	Invalidated   bool
}

type Store interface {
	Get(ctx context.Context, owner string) (Record, error)
	Put(ctx context.Context, rec Record) error
	SetInvalid(ctx context.Context, owner string) error
}

type CredentialSource interface {
	Retrieve(ctx context.Context, owner string) (vault.Credential, error)
	Owners(ctx context.Context) ([]string, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (target.SessionMaterial, error)
}

type Manager struct {
	store  Store
	creds  CredentialSource
	site   Authenticator
	aead   *crypto.AEAD
	maxAge time.Duration
	log    zerolog.Logger

	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(store Store, creds CredentialSource, site Authenticator, aead *crypto.AEAD, maxAge time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		creds:  creds,
		site:   site,
		aead:   aead,
		maxAge: maxAge,
		log:    log.With().Str("component", "session").Logger(),
		now:    time.Now,
		locks:  map[string]*sync.Mutex{},
	}
}

// Acquire returns a ready-to-use session for the owner, re-authenticating
// when none exists, the stored one aged past the staleness threshold, or a
// prior use invalidated it. Authentication failures surface as
// target.ErrAuthRejected; Acquire itself never retries them.
func (m *Manager) Acquire(ctx context.Context, owner string) (target.SessionMaterial, error) {
	lock := m.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	rec, err := m.store.Get(ctx, owner)
	switch {
	case errors.Is(err, ErrNoSession):
		// fall through to login
	case err != nil:
		return target.SessionMaterial{}, err
	case !rec.Invalidated && m.now().Before(rec.ValidUntil):
		sm, err := m.open(rec)
		if err == nil {
			return sm, nil
		}
		// A session blob we can no longer decrypt is re-creatable, unlike a
		// credential; log and fall through to a fresh login.
		m.log.Warn().Str("owner", owner).Err(err).Msg("stored session unreadable, re-authenticating")
	}

	return m.refreshLocked(ctx, owner)
}

// Invalidate marks the stored session unusable; the next Acquire must
// re-authenticate. Pool workers call this on an auth-rejected booking.
func (m *Manager) Invalidate(ctx context.Context, owner string) error {
	lock := m.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()
	return m.store.SetInvalid(ctx, owner)
}

// Refresh re-authenticates the owner unconditionally.
func (m *Manager) Refresh(ctx context.Context, owner string) error {
	lock := m.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()
	_, err := m.refreshLocked(ctx, owner)
	return err
}

func (m *Manager) refreshLocked(ctx context.Context, owner string) (target.SessionMaterial, error) {
	cred, err := m.creds.Retrieve(ctx, owner)
	if err != nil {
		return target.SessionMaterial{}, err
	}
	sm, err := m.site.Authenticate(ctx, cred.Username, cred.Password)
	if err != nil {
		return target.SessionMaterial{}, fmt.Errorf("authenticate %s: %w", owner, err)
	}

	plain, err := json.Marshal(sm)
	if err != nil {
		return target.SessionMaterial{}, err
	}
	ct, err := m.aead.Seal(string(plain))
	if err != nil {
		return target.SessionMaterial{}, err
	}
	now := m.now()
	rec := Record{
		Owner:         owner,
		Ciphertext:    ct,
		LastRefreshed: now,
		ValidUntil:    now.Add(m.maxAge),
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return target.SessionMaterial{}, err
	}
	m.log.Debug().Str("owner", owner).Time("valid_until", rec.ValidUntil).Msg("session refreshed")
	return sm, nil
}

func (m *Manager) open(rec Record) (target.SessionMaterial, error) {
	plain, err := m.aead.Open(rec.Ciphertext)
	if err != nil {
		return target.SessionMaterial{}, err
	}
	var sm target.SessionMaterial
	if err := json.Unmarshal([]byte(plain), &sm); err != nil {
		return target.SessionMaterial{}, err
	}
	return sm, nil
}

// ownerLock hands out one mutex per owner so concurrent work for different
// users never contends; a global lock here would serialize unrelated
// bookings. Entries are never evicted: the map holds one mutex per owner
// ever seen, which is bounded by the user base, and eviction would race
// with a goroutine still holding the old mutex.
func (m *Manager) ownerLock(owner string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[owner]
	if !ok {
		l = &sync.Mutex{}
		m.locks[owner] = l
	}
	return l
}
