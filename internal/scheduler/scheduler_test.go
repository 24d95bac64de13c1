package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/gym-autobook/internal/jobs"
	"github.com/example/gym-autobook/internal/rules"
)

type fakeRules struct {
	rules []rules.Rule
	err   error
}

// ListDue returns everything; the scheduler re-derives each rule's window
// itself, so the fake exercises that filtering too.
func (f *fakeRules) ListDue(ctx context.Context, at time.Time, lead, grace time.Duration) ([]rules.Rule, error) {
	return f.rules, f.err
}

type fakeJobs struct {
	created map[string]bool // ruleID|fireTime
	failFor map[uuid.UUID]error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{created: map[string]bool{}, failFor: map[uuid.UUID]error{}}
}

func (f *fakeJobs) CreateIfAbsent(ctx context.Context, r rules.Rule, fireTime, classAt time.Time) (jobs.Job, bool, error) {
	if err := f.failFor[r.ID]; err != nil {
		return jobs.Job{}, false, err
	}
	key := r.ID.String() + "|" + fireTime.UTC().Format(time.RFC3339)
	if f.created[key] {
		return jobs.Job{}, false, nil
	}
	f.created[key] = true
	return jobs.Job{
		ID:        uuid.New(),
		RuleID:    r.ID,
		Owner:     r.Owner,
		ClassName: r.ClassName,
		FireTime:  fireTime,
		ClassDate: classAt,
		TimeOfDay: r.TimeOfDay,
		State:     jobs.StatePending,
	}, true, nil
}

type fakeDispatcher struct {
	submitted []jobs.Job
}

func (f *fakeDispatcher) Submit(ctx context.Context, j jobs.Job) {
	f.submitted = append(f.submitted, j)
}

// 2026-01-05 is a Monday.
func mondayRule(owner string) rules.Rule {
	return rules.Rule{
		ID:        uuid.New(),
		Owner:     owner,
		ClassName: "Calorie Killer",
		DayOfWeek: time.Monday,
		TimeOfDay: "10:00",
		Status:    rules.StatusActive,
	}
}

func newTestScheduler(rs *fakeRules, js *fakeJobs, d *fakeDispatcher, now time.Time) *Scheduler {
	s := New(Config{
		Interval: 10 * time.Second,
		Grace:    20 * time.Second,
		Lead:     48 * time.Hour,
	}, rs, js, d, zerolog.Nop())
	s.now = func() time.Time { return now }
	return s
}

func TestTickDispatchesDueRule(t *testing.T) {
	r := mondayRule("alice")
	d := &fakeDispatcher{}
	// 48h before Monday 10:00 is Saturday 10:00; five seconds past the fire
	// time is inside the grace window.
	now := time.Date(2026, 1, 3, 10, 0, 5, 0, time.UTC)
	s := newTestScheduler(&fakeRules{rules: []rules.Rule{r}}, newFakeJobs(), d, now)

	s.Tick(context.Background())
	if len(d.submitted) != 1 {
		t.Fatalf("submitted=%d, want 1", len(d.submitted))
	}
	j := d.submitted[0]
	if j.RuleID != r.ID || j.Owner != "alice" {
		t.Errorf("job=%+v", j)
	}
	wantClass := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	if !j.ClassDate.Equal(wantClass) {
		t.Errorf("class date=%s, want %s", j.ClassDate, wantClass)
	}
}

func TestRepeatedTicksDispatchOccurrenceOnce(t *testing.T) {
	r := mondayRule("alice")
	d := &fakeDispatcher{}
	now := time.Date(2026, 1, 3, 10, 0, 5, 0, time.UTC)
	s := newTestScheduler(&fakeRules{rules: []rules.Rule{r}}, newFakeJobs(), d, now)

	s.Tick(context.Background())
	s.now = func() time.Time { return now.Add(10 * time.Second) }
	s.Tick(context.Background())
	s.Tick(context.Background())

	if len(d.submitted) != 1 {
		t.Errorf("submitted=%d, want exactly 1 across repeated ticks", len(d.submitted))
	}
}

func TestStaleOccurrenceOutsideGraceSkipped(t *testing.T) {
	r := mondayRule("alice")
	d := &fakeDispatcher{}
	// A full minute past the fire time with a 20s grace: occurrence missed,
	// never backfilled.
	now := time.Date(2026, 1, 3, 10, 1, 0, 0, time.UTC)
	s := newTestScheduler(&fakeRules{rules: []rules.Rule{r}}, newFakeJobs(), d, now)

	s.Tick(context.Background())
	if len(d.submitted) != 0 {
		t.Errorf("submitted=%d, want 0", len(d.submitted))
	}
}

func TestRuleNotYetDueSkipped(t *testing.T) {
	r := mondayRule("alice")
	d := &fakeDispatcher{}
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC) // Friday, a day early
	s := newTestScheduler(&fakeRules{rules: []rules.Rule{r}}, newFakeJobs(), d, now)

	s.Tick(context.Background())
	if len(d.submitted) != 0 {
		t.Errorf("submitted=%d, want 0", len(d.submitted))
	}
}

func TestTickSurvivesRuleScanError(t *testing.T) {
	d := &fakeDispatcher{}
	now := time.Date(2026, 1, 3, 10, 0, 5, 0, time.UTC)
	s := newTestScheduler(&fakeRules{err: errors.New("db down")}, newFakeJobs(), d, now)

	s.Tick(context.Background())
	if len(d.submitted) != 0 {
		t.Errorf("submitted=%d, want 0", len(d.submitted))
	}
}

func TestJobCreateErrorDoesNotBlockOtherRules(t *testing.T) {
	bad := mondayRule("alice")
	good := mondayRule("bob")
	js := newFakeJobs()
	js.failFor[bad.ID] = errors.New("insert failed")
	d := &fakeDispatcher{}
	now := time.Date(2026, 1, 3, 10, 0, 5, 0, time.UTC)
	s := newTestScheduler(&fakeRules{rules: []rules.Rule{bad, good}}, js, d, now)

	s.Tick(context.Background())
	if len(d.submitted) != 1 || d.submitted[0].Owner != "bob" {
		t.Errorf("submitted=%+v, want bob's job only", d.submitted)
	}
}

type fakeSweeper struct {
	olderThan time.Duration
	calls     int
	err       error
}

func (f *fakeSweeper) FailAbandoned(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.calls++
	f.olderThan = olderThan
	if f.err != nil {
		return 0, f.err
	}
	return 2, nil
}

func TestSweepAbandonedFailsStrandedJobs(t *testing.T) {
	sw := &fakeSweeper{}
	pass := SweepAbandoned(sw, time.Hour, zerolog.Nop())

	pass()
	if sw.calls != 1 || sw.olderThan != time.Hour {
		t.Errorf("calls=%d olderThan=%s", sw.calls, sw.olderThan)
	}
}

func TestSweepAbandonedSurvivesStoreError(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("db down")}
	pass := SweepAbandoned(sw, time.Hour, zerolog.Nop())

	pass()
	pass()
	if sw.calls != 2 {
		t.Errorf("calls=%d, want 2 (errors logged, not fatal)", sw.calls)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	d := &fakeDispatcher{}
	s := newTestScheduler(&fakeRules{}, newFakeJobs(), d, time.Now().UTC())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
