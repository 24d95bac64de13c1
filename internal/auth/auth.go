package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/gym-autobook/internal/db"
)

// ErrInvalidLogin covers both unknown users and bad passwords so the API
// response never reveals which it was.
var ErrInvalidLogin = errors.New("invalid username or password")

type Store struct {
	sc *securecookie.SecureCookie
	db *db.DB
}

type ctxKey string

const sessionKey ctxKey = "session"

const (
	cookieName = "gymbook_session"
	cookieAge  = 14 * 24 * time.Hour
)

func NewStore(d *db.DB, hashKey, blockKey []byte) *Store {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(cookieAge.Seconds()))
	return &Store{sc: sc, db: d}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func (s *Store) CreateUser(ctx context.Context, username, password string, admin bool) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.db.Exec(ctx, `INSERT INTO users(username, password_bcrypt, is_admin) VALUES ($1,$2,$3)`,
		username, hash, admin)
}

// EnsureUser upserts an account after a successful proxy login; the gym
// portal is the identity source, so the stored hash just follows it.
func (s *Store) EnsureUser(ctx context.Context, username, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	return s.db.Exec(ctx, `
INSERT INTO users(username, password_bcrypt) VALUES ($1,$2)
ON CONFLICT (username) DO UPDATE SET password_bcrypt=EXCLUDED.password_bcrypt`,
		username, hash)
}

func (s *Store) IsAdmin(ctx context.Context, username string) (bool, error) {
	var admin bool
	err := s.db.QueryRow(ctx, `SELECT is_admin FROM users WHERE username=$1`, username).Scan(&admin)
	if err != nil {
		return false, db.WrapNotFound(err)
	}
	return admin, nil
}

func (s *Store) Authenticate(ctx context.Context, username, password string) (Session, error) {
	var hash string
	var admin bool
	err := s.db.QueryRow(ctx, `SELECT password_bcrypt, is_admin FROM users WHERE username=$1`, username).
		Scan(&hash, &admin)
	if err != nil {
		if db.IsNotFound(db.WrapNotFound(err)) {
			return Session{}, ErrInvalidLogin
		}
		return Session{}, err
	}
	if !CheckPassword(hash, password) {
		return Session{}, ErrInvalidLogin
	}
	return Session{Username: username, Admin: admin}, nil
}

// Session identifies the logged-in account. Username doubles as the owner
// key in the vault, rules and jobs tables.
type Session struct {
	Username string
	Admin    bool
}

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request, sess Session) error {
	encoded, err := s.sc.Encode(cookieName, sess)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(cookieAge.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *Store) GetSession(r *http.Request) (Session, bool) {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return Session{}, false
	}
	var sess Session
	if err := s.sc.Decode(cookieName, c.Value, &sess); err != nil {
		return Session{}, false
	}
	if sess.Username == "" {
		return Session{}, false
	}
	return sess, true
}

// RequireAuth guards JSON endpoints; unauthenticated callers get 401, not a
// redirect.
func (s *Store) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.GetSession(r)
		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin stacks on RequireAuth.
func (s *Store) RequireAdmin(next http.Handler) http.Handler {
	return s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, _ := FromContext(r.Context())
		if !sess.Admin {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"admin only"}`))
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func FromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionKey).(Session)
	return sess, ok
}
