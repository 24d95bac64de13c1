package session

import (
	"context"
	"errors"

	"github.com/example/gym-autobook/internal/crypto"
	"github.com/example/gym-autobook/internal/db"
)

type PGStore struct{ db *db.DB }

func NewPGStore(d *db.DB) *PGStore { return &PGStore{db: d} }

func (s *PGStore) Get(ctx context.Context, owner string) (Record, error) {
	var rec Record
	var raw string
	err := s.db.QueryRow(ctx, `
SELECT owner, ciphertext, last_refreshed_at, valid_until, invalidated
FROM target_sessions WHERE owner=$1`, owner).
		Scan(&rec.Owner, &raw, &rec.LastRefreshed, &rec.ValidUntil, &rec.Invalidated)
	if err != nil {
		if errors.Is(db.WrapNotFound(err), db.ErrNotFound) {
			return Record{}, ErrNoSession
		}
		return Record{}, err
	}
	rec.Ciphertext = crypto.Ciphertext(raw)
	return rec, nil
}

func (s *PGStore) Put(ctx context.Context, rec Record) error {
	return s.db.Exec(ctx, `
INSERT INTO target_sessions(owner, ciphertext, last_refreshed_at, valid_until, invalidated)
VALUES ($1,$2,$3,$4,FALSE)
ON CONFLICT (owner) DO UPDATE SET
	ciphertext=EXCLUDED.ciphertext,
	last_refreshed_at=EXCLUDED.last_refreshed_at,
	valid_until=EXCLUDED.valid_until,
	invalidated=FALSE`,
		rec.Owner, rec.Ciphertext.Raw(), rec.LastRefreshed, rec.ValidUntil)
}

func (s *PGStore) SetInvalid(ctx context.Context, owner string) error {
	return s.db.Exec(ctx, `UPDATE target_sessions SET invalidated=TRUE WHERE owner=$1`, owner)
}
