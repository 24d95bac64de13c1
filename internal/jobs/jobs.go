// Package jobs records booking attempts. The (rule_id, fire_time) unique row
// is the authoritative dedup key: clock skew, overlapping ticks and process
// restarts all collapse onto one job per occurrence.
package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/gym-autobook/internal/db"
	"github.com/example/gym-autobook/internal/rules"
)

type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateSucceeded  State = "succeeded"
	StateWaitlisted State = "waitlisted"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateWaitlisted || s == StateFailed
}

type Job struct {
	ID         uuid.UUID
	RuleID     uuid.UUID
	Owner      string
	ClassName  string
	FireTime   time.Time
	ClassDate  time.Time
	TimeOfDay  string
	Instructor string
	State      State
	Detail     string
	Duration   time.Duration
	CreatedAt  time.Time
	FinishedAt *time.Time
}

type Store struct{ db *db.DB }

func NewStore(d *db.DB) *Store { return &Store{db: d} }

const jobColumns = `id, rule_id, owner, class_name, fire_time, class_date, time_of_day, instructor, state, detail, duration_ms, created_at, finished_at`

// CreateIfAbsent inserts a pending job for the occurrence unless one already
// exists for (rule, fireTime). created=false is the duplicate-dispatch guard
// tripping, not an error.
func (s *Store) CreateIfAbsent(ctx context.Context, r rules.Rule, fireTime, classAt time.Time) (Job, bool, error) {
	j := Job{
		ID:         uuid.New(),
		RuleID:     r.ID,
		Owner:      r.Owner,
		ClassName:  r.ClassName,
		FireTime:   fireTime.UTC(),
		ClassDate:  classAt,
		TimeOfDay:  r.TimeOfDay,
		Instructor: r.Instructor,
		State:      StatePending,
		CreatedAt:  time.Now().UTC(),
	}
	n, err := s.db.ExecRows(ctx, `
INSERT INTO booking_jobs(id, rule_id, owner, class_name, fire_time, class_date, time_of_day, instructor, state, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (rule_id, fire_time) DO NOTHING`,
		j.ID, j.RuleID, j.Owner, j.ClassName, j.FireTime, j.ClassDate, j.TimeOfDay, j.Instructor, string(j.State), j.CreatedAt)
	if err != nil {
		return Job{}, false, err
	}
	if n == 0 {
		return Job{}, false, nil
	}
	return j, true, nil
}

func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return s.db.Exec(ctx, `UPDATE booking_jobs SET state=$2 WHERE id=$1 AND state=$3`,
		id, string(StateRunning), string(StatePending))
}

// Finish sets the terminal state exactly once: a job already resolved is
// left untouched and reported via the bool.
func (s *Store) Finish(ctx context.Context, id uuid.UUID, state State, detail string, dur time.Duration) (bool, error) {
	n, err := s.db.ExecRows(ctx, `
UPDATE booking_jobs SET state=$2, detail=$3, duration_ms=$4, finished_at=$5
WHERE id=$1 AND state IN ($6,$7)`,
		id, string(state), detail, dur.Milliseconds(), time.Now().UTC(),
		string(StatePending), string(StateRunning))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FailAbandoned resolves jobs stranded in a non-terminal state past
// olderThan, the residue of a process that died mid-attempt. The state guard
// keeps it off jobs that resolved normally.
func (s *Store) FailAbandoned(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	return s.db.ExecRows(ctx, `
UPDATE booking_jobs SET state=$1, detail=$2, finished_at=$3
WHERE state IN ($4,$5) AND created_at < $6`,
		string(StateFailed), "abandoned before completion", time.Now().UTC(),
		string(StatePending), string(StateRunning), cutoff)
}

func (s *Store) ListRecentForOwner(ctx context.Context, owner string, limit int) ([]Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM booking_jobs WHERE owner=$1 ORDER BY created_at DESC LIMIT $2`, owner, limit)
}

func (s *Store) ListForRule(ctx context.Context, ruleID uuid.UUID) ([]Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM booking_jobs WHERE rule_id=$1 ORDER BY fire_time DESC`, ruleID)
}

func (s *Store) list(ctx context.Context, sql string, args ...any) ([]Job, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var state string
		var durMS int64
		if err := rows.Scan(&j.ID, &j.RuleID, &j.Owner, &j.ClassName, &j.FireTime, &j.ClassDate,
			&j.TimeOfDay, &j.Instructor, &state, &j.Detail, &durMS, &j.CreatedAt, &j.FinishedAt); err != nil {
			return nil, err
		}
		j.State = State(state)
		j.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, j)
	}
	return out, rows.Err()
}
