// Package pool executes booking jobs on a fixed set of workers. Many rules
// firing at the same instant (several users racing for one class) run
// concurrently; one slow or failing attempt never blocks another.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/gym-autobook/internal/jobs"
	"github.com/example/gym-autobook/internal/outcome"
	"github.com/example/gym-autobook/internal/target"
)

type Sessions interface {
	Acquire(ctx context.Context, owner string) (target.SessionMaterial, error)
	Invalidate(ctx context.Context, owner string) error
}

type Booker interface {
	Book(ctx context.Context, sm target.SessionMaterial, req target.BookingRequest) (target.Result, error)
}

type Recorder interface {
	Start(ctx context.Context, job jobs.Job)
	Record(ctx context.Context, job jobs.Job, out outcome.Outcome)
}

type Config struct {
	Workers        int
	QueueSize      int
	AttemptTimeout time.Duration
	RetryMax       int // total attempts against an unreachable target
	RetryBase      time.Duration
}

type Pool struct {
	cfg      Config
	sessions Sessions
	site     Booker
	rec      Recorder
	log      zerolog.Logger

	queue chan jobs.Job
	wg    sync.WaitGroup
}

func New(cfg Config, sessions Sessions, site Booker, rec Recorder, log zerolog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 16
	}
	if cfg.RetryMax < 1 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	return &Pool{
		cfg:      cfg,
		sessions: sessions,
		site:     site,
		rec:      rec,
		log:      log.With().Str("component", "pool").Logger(),
		queue:    make(chan jobs.Job, cfg.QueueSize),
	}
}

// Start launches the workers; they drain until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-p.queue:
					p.run(ctx, j)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited (after ctx cancellation).
func (p *Pool) Wait() { p.wg.Wait() }

// Submit enqueues a job. A full queue resolves the job as failed rather than
// blocking the scheduler tick or dropping the attempt silently.
func (p *Pool) Submit(ctx context.Context, j jobs.Job) {
	select {
	case p.queue <- j:
	default:
		p.log.Error().Str("job", j.ID.String()).Msg("queue full, job rejected")
		p.rec.Record(ctx, j, outcome.Failed("execution queue full", 0))
	}
}

func (p *Pool) run(ctx context.Context, j jobs.Job) {
	p.rec.Start(ctx, j)
	out := p.execute(ctx, j)
	p.rec.Record(ctx, j, out)
}

// execute drives the attempt loop for one job:
//   - auth rejected: invalidate the session, retry exactly once with a
//     fresh login;
//   - target unreachable (or attempt timeout): retry with doubling backoff
//     up to the attempt budget;
//   - class not found on the page: one extra attempt, page captured for
//     diagnosis;
//   - anything else (missing credential, vault key mismatch) is permanent.
func (p *Pool) execute(ctx context.Context, j jobs.Job) outcome.Outcome {
	start := time.Now()
	req := target.BookingRequest{
		ClassName:  j.ClassName,
		Date:       j.ClassDate,
		TimeOfDay:  j.TimeOfDay,
		Instructor: j.Instructor,
	}

	var (
		authRetried    bool
		noMatchRetried bool
		lastPage       []byte
		unreachable    int
	)
	for {
		res, err := p.attempt(ctx, j.Owner, req)
		dur := time.Since(start)
		if err == nil {
			return outcome.FromResult(res, dur)
		}

		var noMatch *target.NoMatchError
		switch {
		case errors.Is(err, target.ErrAuthRejected):
			if authRetried {
				return outcome.Failed("authentication rejected", dur)
			}
			authRetried = true
			if ierr := p.sessions.Invalidate(ctx, j.Owner); ierr != nil {
				p.log.Warn().Str("owner", j.Owner).Err(ierr).Msg("invalidate failed")
			}
			p.log.Debug().Str("job", j.ID.String()).Msg("auth rejected, retrying with fresh session")

		case errors.As(err, &noMatch):
			lastPage = noMatch.Page
			if noMatchRetried {
				return outcome.Outcome{State: jobs.StateFailed, Detail: "class not found on booking page", Duration: dur, Page: lastPage}
			}
			noMatchRetried = true
			if !p.backoff(ctx, 1) {
				return outcome.Outcome{State: jobs.StateFailed, Detail: "cancelled", Duration: time.Since(start), Page: lastPage}
			}

		case errors.Is(err, target.ErrUnreachable) || errors.Is(err, context.DeadlineExceeded):
			unreachable++
			if unreachable >= p.cfg.RetryMax {
				return outcome.Failed(fmt.Sprintf("target unreachable after %d attempts", unreachable), dur)
			}
			if !p.backoff(ctx, unreachable) {
				return outcome.Failed("cancelled", time.Since(start))
			}

		case errors.Is(err, context.Canceled):
			return outcome.Failed("cancelled", dur)

		default:
			return outcome.Failed(err.Error(), dur)
		}
	}
}

// attempt runs one session-acquire-plus-book cycle under the hard per-attempt
// timeout so a hung call can never hold the worker slot.
func (p *Pool) attempt(ctx context.Context, owner string, req target.BookingRequest) (target.Result, error) {
	if p.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		defer cancel()
	}
	sm, err := p.sessions.Acquire(ctx, owner)
	if err != nil {
		return 0, err
	}
	return p.site.Book(ctx, sm, req)
}

func (p *Pool) backoff(ctx context.Context, attempt int) bool {
	d := p.cfg.RetryBase << (attempt - 1)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
