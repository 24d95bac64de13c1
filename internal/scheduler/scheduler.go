// Package scheduler polls the rule store and dispatches booking jobs the
// moment a rule's fire time enters the grace window.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/gym-autobook/internal/jobs"
	"github.com/example/gym-autobook/internal/rules"
)

type RuleSource interface {
	ListDue(ctx context.Context, at time.Time, lead, grace time.Duration) ([]rules.Rule, error)
}

type JobCreator interface {
	CreateIfAbsent(ctx context.Context, r rules.Rule, fireTime, classAt time.Time) (jobs.Job, bool, error)
}

type Dispatcher interface {
	Submit(ctx context.Context, j jobs.Job)
}

type JobSweeper interface {
	FailAbandoned(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SweepAbandoned returns the daily maintenance pass: jobs stranded
// non-terminal by a crash mid-attempt are failed, so attempt history never
// shows an occurrence as still in flight days later.
func SweepAbandoned(js JobSweeper, olderThan time.Duration, log zerolog.Logger) func() {
	log = log.With().Str("component", "sweep").Logger()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := js.FailAbandoned(ctx, olderThan)
		if err != nil {
			log.Error().Err(err).Msg("abandoned job sweep failed")
			return
		}
		if n > 0 {
			log.Info().Int64("jobs", n).Msg("abandoned jobs failed")
		}
	}
}

type Config struct {
	Interval time.Duration
	Grace    time.Duration // half-open window (now-grace, now] behind each tick
	Lead     time.Duration // how far before the class a booking fires
}

type Scheduler struct {
	cfg   Config
	store RuleSource
	jobs  JobCreator
	pool  Dispatcher
	log   zerolog.Logger

	now func() time.Time
}

func New(cfg Config, store RuleSource, jc JobCreator, pool Dispatcher, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:   cfg,
		store: store,
		jobs:  jc,
		pool:  pool,
		log:   log.With().Str("component", "scheduler").Logger(),
		now:   time.Now,
	}
}

// Run ticks until ctx is cancelled. The first tick fires immediately so a
// restart inside the grace window picks the occurrence back up.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick scans active rules once and dispatches every occurrence whose fire
// time falls inside the grace window. The (rule, fire time) dedup row makes
// repeated ticks over the same window harmless.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	rs, err := s.store.ListDue(ctx, now, s.cfg.Lead, s.cfg.Grace)
	if err != nil {
		s.log.Error().Err(err).Msg("rule scan failed")
		return
	}

	for _, r := range rs {
		fireAt, classAt, ok := r.Due(now, s.cfg.Lead, s.cfg.Grace)
		if !ok {
			continue
		}

		j, created, err := s.jobs.CreateIfAbsent(ctx, r, fireAt, classAt)
		if err != nil {
			s.log.Error().Str("rule", r.ID.String()).Err(err).Msg("job create failed")
			continue
		}
		if !created {
			s.log.Debug().
				Str("rule", r.ID.String()).
				Time("fire_at", fireAt).
				Msg("occurrence already dispatched")
			continue
		}

		s.log.Info().
			Str("rule", r.ID.String()).
			Str("owner", r.Owner).
			Str("class", r.ClassName).
			Time("class_at", classAt).
			Msg("dispatching booking job")
		s.pool.Submit(ctx, j)
	}
}
