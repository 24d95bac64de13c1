package rules

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/gym-autobook/internal/db"
)

type Store struct{ db *db.DB }

func NewStore(d *db.DB) *Store { return &Store{db: d} }

const ruleColumns = `id, owner, class_name, day_of_week, time_of_day, instructor, status, created_at`

// Create inserts a new active rule. An identical (owner, class, weekday,
// time) slot is rejected with ErrDuplicateRule rather than silently creating
// a second rule that would double-fire.
func (s *Store) Create(ctx context.Context, r Rule) (Rule, error) {
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	r.ID = uuid.New()
	r.Status = StatusActive
	r.CreatedAt = time.Now().UTC()

	var exists bool
	err := s.db.QueryRow(ctx, `
SELECT EXISTS(SELECT 1 FROM auto_booking_rules
WHERE owner=$1 AND class_name=$2 AND day_of_week=$3 AND time_of_day=$4)`,
		r.Owner, r.ClassName, int(r.DayOfWeek), r.TimeOfDay).Scan(&exists)
	if err != nil {
		return Rule{}, err
	}
	if exists {
		return Rule{}, ErrDuplicateRule
	}

	err = s.db.Exec(ctx, `
INSERT INTO auto_booking_rules(id, owner, class_name, day_of_week, time_of_day, instructor, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.Owner, r.ClassName, int(r.DayOfWeek), r.TimeOfDay, r.Instructor, string(r.Status), r.CreatedAt)
	if err != nil {
		return Rule{}, err
	}
	return r, nil
}

func (s *Store) ListForOwner(ctx context.Context, owner string) ([]Rule, error) {
	return s.list(ctx, `SELECT `+ruleColumns+` FROM auto_booking_rules WHERE owner=$1 ORDER BY created_at DESC`, owner)
}

func (s *Store) ListAll(ctx context.Context) ([]Rule, error) {
	return s.list(ctx, `SELECT `+ruleColumns+` FROM auto_booking_rules ORDER BY owner, created_at DESC`)
}

func (s *Store) ListActive(ctx context.Context) ([]Rule, error) {
	return s.list(ctx, `SELECT `+ruleColumns+` FROM auto_booking_rules WHERE status=$1`, string(StatusActive))
}

// ListDue returns active rules whose booking window opened within
// (at-grace, at]. Read-only; safe for the scheduler to poll repeatedly.
func (s *Store) ListDue(ctx context.Context, at time.Time, lead, grace time.Duration) ([]Rule, error) {
	active, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var due []Rule
	for _, r := range active {
		if _, _, ok := r.Due(at, lead, grace); ok {
			due = append(due, r)
		}
	}
	return due, nil
}

// Delete removes a rule after an ownership check. Admin deletion passes the
// rule's own owner.
func (s *Store) Delete(ctx context.Context, id uuid.UUID, owner string) error {
	var ruleOwner string
	err := s.db.QueryRow(ctx, `SELECT owner FROM auto_booking_rules WHERE id=$1`, id).Scan(&ruleOwner)
	if err != nil {
		if errors.Is(db.WrapNotFound(err), db.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if ruleOwner != owner {
		return ErrForbidden
	}
	return s.db.Exec(ctx, `DELETE FROM auto_booking_rules WHERE id=$1`, id)
}

// SetStatus toggles a rule between active and disabled, the only mutation a
// rule supports after creation. Same ownership check as Delete.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, owner string, status Status) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Owner != owner {
		return ErrForbidden
	}
	return s.db.Exec(ctx, `UPDATE auto_booking_rules SET status=$2 WHERE id=$1`, id, string(status))
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (Rule, error) {
	rs, err := s.list(ctx, `SELECT `+ruleColumns+` FROM auto_booking_rules WHERE id=$1`, id)
	if err != nil {
		return Rule{}, err
	}
	if len(rs) == 0 {
		return Rule{}, ErrNotFound
	}
	return rs[0], nil
}

func (s *Store) list(ctx context.Context, sql string, args ...any) ([]Rule, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var dow int
		var status string
		if err := rows.Scan(&r.ID, &r.Owner, &r.ClassName, &dow, &r.TimeOfDay, &r.Instructor, &status, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.DayOfWeek = time.Weekday(dow)
		r.Status = Status(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
