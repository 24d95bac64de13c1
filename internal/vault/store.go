package vault

import (
	"context"
	"errors"
	"time"

	"github.com/example/gym-autobook/internal/crypto"
	"github.com/example/gym-autobook/internal/db"
)

type PGStore struct{ db *db.DB }

func NewPGStore(d *db.DB) *PGStore { return &PGStore{db: d} }

func (s *PGStore) Upsert(ctx context.Context, owner string, ct crypto.Ciphertext) error {
	return s.db.Exec(ctx, `
INSERT INTO credentials(owner, ciphertext, updated_at) VALUES ($1,$2,$3)
ON CONFLICT (owner) DO UPDATE SET ciphertext=EXCLUDED.ciphertext, updated_at=EXCLUDED.updated_at`,
		owner, ct.Raw(), time.Now().UTC())
}

func (s *PGStore) Get(ctx context.Context, owner string) (crypto.Ciphertext, error) {
	var raw string
	err := s.db.QueryRow(ctx, `SELECT ciphertext FROM credentials WHERE owner=$1`, owner).Scan(&raw)
	if err != nil {
		if errors.Is(db.WrapNotFound(err), db.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return crypto.Ciphertext(raw), nil
}

func (s *PGStore) Delete(ctx context.Context, owner string) error {
	return s.db.Exec(ctx, `DELETE FROM credentials WHERE owner=$1`, owner)
}

func (s *PGStore) Owners(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT owner FROM credentials ORDER BY owner`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
