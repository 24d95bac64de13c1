// Package outcome resolves finished booking attempts: it writes the job's
// terminal state exactly once, triggers the owner-facing notification, and
// captures diagnostic artifacts off the critical path.
package outcome

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/gym-autobook/internal/jobs"
	"github.com/example/gym-autobook/internal/target"
)

// Outcome is the resolution of one booking job.
type Outcome struct {
	State    jobs.State
	Detail   string
	Duration time.Duration
	Page     []byte // raw target page for diagnosis, optional
}

// FromResult maps a target booking result to a terminal state. The mapping is
// exhaustive; error paths (auth rejected after the single fresh-session
// retry, unreachable after the retry budget, class not found after one
// retry) all land on StateFailed with a detail string.
func FromResult(res target.Result, dur time.Duration) Outcome {
	switch res {
	case target.Booked:
		return Outcome{State: jobs.StateSucceeded, Detail: "booked", Duration: dur}
	case target.Waitlisted:
		return Outcome{State: jobs.StateWaitlisted, Detail: "joined waiting list", Duration: dur}
	case target.Full:
		return Outcome{State: jobs.StateFailed, Detail: "class full and waitlist full", Duration: dur}
	default:
		return Outcome{State: jobs.StateFailed, Detail: fmt.Sprintf("unknown result %d", res), Duration: dur}
	}
}

func Failed(detail string, dur time.Duration) Outcome {
	return Outcome{State: jobs.StateFailed, Detail: detail, Duration: dur}
}

// Notifier delivers user-facing alerts; push delivery lives behind this
// interface.
type Notifier interface {
	Notify(ctx context.Context, owner, subject, body string) error
}

// LogNotifier is the default delivery: structured log lines only.
type LogNotifier struct{ Log zerolog.Logger }

func (n LogNotifier) Notify(_ context.Context, owner, subject, body string) error {
	n.Log.Info().Str("owner", owner).Str("subject", subject).Str("body", body).Msg("notification")
	return nil
}

type JobStore interface {
	MarkRunning(ctx context.Context, id uuid.UUID) error
	Finish(ctx context.Context, id uuid.UUID, state jobs.State, detail string, dur time.Duration) (bool, error)
}

type artifact struct {
	ruleID uuid.UUID
	at     time.Time
	page   []byte
}

type Recorder struct {
	store    JobStore
	notifier Notifier
	log      zerolog.Logger
	debugDir string

	diag chan artifact
	done chan struct{}
}

func NewRecorder(store JobStore, notifier Notifier, debugDir string, log zerolog.Logger) *Recorder {
	r := &Recorder{
		store:    store,
		notifier: notifier,
		log:      log.With().Str("component", "outcome").Logger(),
		debugDir: debugDir,
		diag:     make(chan artifact, 32),
		done:     make(chan struct{}),
	}
	go r.writeArtifacts()
	return r
}

// Close drains and stops the artifact writer.
func (r *Recorder) Close() {
	close(r.diag)
	<-r.done
}

// Start flags the job as running. Best effort; the dedup row already exists.
func (r *Recorder) Start(ctx context.Context, job jobs.Job) {
	if err := r.store.MarkRunning(ctx, job.ID); err != nil {
		r.log.Warn().Str("job", job.ID.String()).Err(err).Msg("mark running failed")
	}
}

// Record writes the terminal state and fires side effects. A job that is
// already resolved is left untouched (terminal state is set exactly once).
func (r *Recorder) Record(ctx context.Context, job jobs.Job, out Outcome) {
	updated, err := r.store.Finish(ctx, job.ID, out.State, out.Detail, out.Duration)
	if err != nil {
		r.log.Error().Str("job", job.ID.String()).Err(err).Msg("finish failed")
		return
	}
	if !updated {
		r.log.Debug().Str("job", job.ID.String()).Msg("job already resolved, outcome dropped")
		return
	}

	r.log.Info().
		Str("job", job.ID.String()).
		Str("owner", job.Owner).
		Str("class", job.ClassName).
		Str("state", string(out.State)).
		Str("detail", out.Detail).
		Dur("duration", out.Duration).
		Msg("booking resolved")

	if out.Page != nil {
		select {
		case r.diag <- artifact{ruleID: job.RuleID, at: time.Now(), page: out.Page}:
		default:
			r.log.Warn().Str("job", job.ID.String()).Msg("diagnostic buffer full, artifact dropped")
		}
	}

	// Delivery must not hold the worker slot.
	go r.notify(job, out)
}

func (r *Recorder) notify(job jobs.Job, out Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	subject := fmt.Sprintf("Auto-booking %s", out.State)
	body := fmt.Sprintf("%s on %s at %s: %s", job.ClassName, job.ClassDate.Format("2006-01-02"), job.TimeOfDay, out.Detail)
	if err := r.notifier.Notify(ctx, job.Owner, subject, body); err != nil {
		r.log.Warn().Str("owner", job.Owner).Err(err).Msg("notification failed")
	}
}

func (r *Recorder) writeArtifacts() {
	defer close(r.done)
	for a := range r.diag {
		if err := os.MkdirAll(r.debugDir, 0o755); err != nil {
			r.log.Warn().Err(err).Msg("debug dir")
			continue
		}
		name := fmt.Sprintf("debug_booking_%s_%s.html", a.ruleID, a.at.Format("20060102_150405"))
		if err := os.WriteFile(filepath.Join(r.debugDir, name), a.page, 0o644); err != nil {
			r.log.Warn().Str("file", name).Err(err).Msg("artifact write failed")
			continue
		}
		r.log.Debug().Str("file", name).Msg("diagnostic captured")
	}
}
