package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveclass/internal/apperr"
	"liveclass/internal/attendance"
	"liveclass/internal/broadcast"
	"liveclass/internal/session"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recorder) Publish(evt broadcast.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) statusChanges() []broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast.Event
	for _, e := range r.events {
		if e.Type == broadcast.EventSessionStatusChanged {
			out = append(out, e)
		}
	}
	return out
}

// faultyStore fails SaveTransition for the ids in failing.
type faultyStore struct {
	*session.Registry
	mu      sync.Mutex
	failing map[string]bool
}

func (f *faultyStore) SaveTransition(ctx context.Context, from session.Status, s *session.Session) error {
	f.mu.Lock()
	fail := f.failing[s.ID]
	f.mu.Unlock()
	if fail {
		return apperr.Transient("test.save", errors.New("disk on fire"))
	}
	return f.Registry.SaveTransition(ctx, from, s)
}

func (f *faultyStore) heal(id string) {
	f.mu.Lock()
	delete(f.failing, id)
	f.mu.Unlock()
}

type flakyFinalizer struct {
	inner Finalizer
	fails atomic.Int32
}

func (f *flakyFinalizer) Finalize(ctx context.Context, s *session.Session) ([]*attendance.Record, error) {
	if f.fails.Add(-1) >= 0 {
		return nil, apperr.Transient("test.finalize", errors.New("timeout"))
	}
	return f.inner.Finalize(ctx, s)
}

type fixture struct {
	clock    *clock
	pub      *recorder
	registry *session.Registry
	tracker  *attendance.Tracker
	sched    *Scheduler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{clock: &clock{t: t0.Add(-time.Hour)}, pub: &recorder{}}
	f.registry = session.NewRegistry(session.NewMemoryRepository(), nil, f.pub, session.Options{Now: f.clock.Now})
	f.tracker = attendance.NewTracker(attendance.NewMemoryRepository(), f.registry, f.pub, attendance.Options{Now: f.clock.Now})
	opts.Now = f.clock.Now
	f.sched = New(f.registry, f.tracker, f.pub, opts)
	return f
}

func (f *fixture) create(t *testing.T, minutes int, invitees ...string) *session.Session {
	t.Helper()
	s, err := f.registry.Create(context.Background(), session.Spec{
		Title:           "Session",
		Program:         "math",
		ScheduledStart:  t0,
		DurationMinutes: minutes,
		Invitees:        invitees,
	})
	require.NoError(t, err)
	return s
}

func (f *fixture) get(t *testing.T, id string) *session.Session {
	t.Helper()
	s, err := f.registry.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func TestSweepExpiresNeverStartedSession(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t, 30)

	f.clock.Set(t0.Add(31 * time.Minute))
	sum, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{ExpiredCount: 1}, sum)

	got := f.get(t, s.ID)
	assert.Equal(t, session.StatusExpired, got.Status)
	assert.Nil(t, got.ActualStart)
	assert.Nil(t, got.ActualEnd)
	assert.NotNil(t, got.FinalizedAt)
}

func TestSweepLeavesSessionInsideWindow(t *testing.T) {
	f := newFixture(t, Options{Grace: 5 * time.Minute})
	s := f.create(t, 30)

	f.clock.Set(t0.Add(33 * time.Minute))
	sum, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum)
	assert.Equal(t, session.StatusScheduled, f.get(t, s.ID).Status)
}

func TestSweepCompletesAtPlannedEnd(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t, 45)

	f.clock.Set(t0)
	_, err := f.sched.Start(context.Background(), s.ID)
	require.NoError(t, err)

	f.clock.Set(t0.Add(46 * time.Minute))
	sum, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{CompletedCount: 1}, sum)

	got := f.get(t, s.ID)
	assert.Equal(t, session.StatusCompleted, got.Status)
	require.NotNil(t, got.ActualEnd)
	assert.Equal(t, t0.Add(45*time.Minute), *got.ActualEnd)
}

func TestConcurrentStartOneWins(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t, 30)
	f.clock.Set(t0)

	const callers = 8
	var (
		wg        sync.WaitGroup
		ok        atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sched.Start(context.Background(), s.ID)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, apperr.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(callers-1), conflicts.Load())
	assert.Len(t, f.pub.statusChanges(), 1)
}

func TestStartWindow(t *testing.T) {
	f := newFixture(t, Options{})
	early := f.create(t, 30)
	late := f.create(t, 30)

	// starting before the scheduled time is allowed
	f.clock.Set(t0.Add(-10 * time.Minute))
	got, err := f.sched.Start(context.Background(), early.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-10*time.Minute), *got.ActualStart)

	f.clock.Set(t0.Add(31 * time.Minute))
	_, err = f.sched.Start(context.Background(), late.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	graced := newFixture(t, Options{Grace: 5 * time.Minute})
	s := graced.create(t, 30)
	graced.clock.Set(t0.Add(31 * time.Minute))
	_, err = graced.sched.Start(context.Background(), s.ID)
	assert.NoError(t, err)
}

func TestEndConflicts(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t, 30)
	f.clock.Set(t0)

	_, err := f.sched.End(context.Background(), s.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.sched.Start(context.Background(), s.ID)
	require.NoError(t, err)
	f.clock.Set(t0.Add(10 * time.Minute))
	got, err := f.sched.End(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)
	assert.Equal(t, t0.Add(10*time.Minute), *got.ActualEnd)

	_, err = f.sched.End(context.Background(), s.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = f.sched.End(context.Background(), "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTerminalStatesNeverTransition(t *testing.T) {
	f := newFixture(t, Options{})
	expired := f.create(t, 30)
	completed := f.create(t, 30)

	f.clock.Set(t0)
	_, err := f.sched.Start(context.Background(), completed.ID)
	require.NoError(t, err)
	_, err = f.sched.End(context.Background(), completed.ID)
	require.NoError(t, err)

	f.clock.Set(t0.Add(40 * time.Minute))
	_, err = f.sched.Sweep(context.Background())
	require.NoError(t, err)

	for _, at := range []time.Duration{41 * time.Minute, 3 * time.Hour, 72 * time.Hour} {
		f.clock.Set(t0.Add(at))
		sum, err := f.sched.Sweep(context.Background())
		require.NoError(t, err)
		assert.Zero(t, sum)

		_, err = f.sched.Start(context.Background(), expired.ID)
		assert.ErrorIs(t, err, apperr.ErrConflict)
		_, err = f.sched.Start(context.Background(), completed.ID)
		assert.ErrorIs(t, err, apperr.ErrConflict)
		_, err = f.sched.End(context.Background(), completed.ID)
		assert.ErrorIs(t, err, apperr.ErrConflict)

		assert.Equal(t, session.StatusExpired, f.get(t, expired.ID).Status)
		assert.Equal(t, session.StatusCompleted, f.get(t, completed.ID).Status)
	}
}

func TestStartedSessionNeverExpires(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t, 30)

	f.clock.Set(t0.Add(29 * time.Minute))
	_, err := f.sched.Start(context.Background(), s.ID)
	require.NoError(t, err)

	// well past both the scheduled end and the actual end
	f.clock.Set(t0.Add(5 * time.Hour))
	sum, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{CompletedCount: 1}, sum)
	assert.Equal(t, session.StatusCompleted, f.get(t, s.ID).Status)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	f.create(t, 30)
	f.create(t, 60)

	f.clock.Set(t0.Add(2 * time.Hour))
	first, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.ExpiredCount)

	second, err := f.sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second)
	assert.Len(t, f.pub.statusChanges(), 2)
}

func TestSweepIsFailSoft(t *testing.T) {
	f := newFixture(t, Options{})
	bad := f.create(t, 30)
	good := f.create(t, 30)

	store := &faultyStore{Registry: f.registry, failing: map[string]bool{bad.ID: true}}
	sched := New(store, f.tracker, f.pub, Options{Now: f.clock.Now})

	f.clock.Set(t0.Add(time.Hour))
	sum, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{ExpiredCount: 1, Failures: 1}, sum)
	assert.Equal(t, session.StatusScheduled, f.get(t, bad.ID).Status)
	assert.Equal(t, session.StatusExpired, f.get(t, good.ID).Status)

	store.heal(bad.ID)
	sum, err = sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{ExpiredCount: 1}, sum)
	assert.Equal(t, session.StatusExpired, f.get(t, bad.ID).Status)
}

func TestFailedFinalizationIsRetriedBySweep(t *testing.T) {
	f := newFixture(t, Options{})
	fin := &flakyFinalizer{inner: f.tracker}
	fin.fails.Store(1)
	sched := New(f.registry, fin, f.pub, Options{Now: f.clock.Now})

	s := f.create(t, 30, "ana")
	f.clock.Set(t0)
	_, err := sched.Start(context.Background(), s.ID)
	require.NoError(t, err)
	_, err = sched.End(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Nil(t, f.get(t, s.ID).FinalizedAt)

	sum, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepSummary{FinalizedCount: 1}, sum)
	assert.NotNil(t, f.get(t, s.ID).FinalizedAt)

	roster, err := f.tracker.Roster(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, roster.Summary.Absent)

	sum, err = sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestEndFinalizesAttendance(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t, 60, "ben")
	ctx := context.Background()

	f.clock.Set(t0)
	_, err := f.sched.Start(ctx, s.ID)
	require.NoError(t, err)
	_, err = f.tracker.Join(ctx, s.ID, "ana", false)
	require.NoError(t, err)

	f.clock.Set(t0.Add(50 * time.Minute))
	_, err = f.sched.End(ctx, s.ID)
	require.NoError(t, err)

	roster, err := f.tracker.Roster(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, roster.Finalized)
	assert.Equal(t, attendance.Summary{Present: 1, Absent: 1, Total: 2}, roster.Summary)

	_, err = f.tracker.Join(ctx, s.ID, "ana", true)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestStatusEventCarriesRemainingTime(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t, 45)
	f.clock.Set(t0)
	_, err := f.sched.Start(context.Background(), s.ID)
	require.NoError(t, err)

	events := f.pub.statusChanges()
	require.Len(t, events, 1)
	assert.Equal(t, "scheduled", events[0].OldStatus)
	assert.Equal(t, "ongoing", events[0].NewStatus)
	assert.Equal(t, "math", events[0].Program)
	require.NotNil(t, events[0].RemainingSeconds)
	assert.Equal(t, int64(45*60), *events[0].RemainingSeconds)
}

func TestRemainingTimeAndOverdue(t *testing.T) {
	start := t0
	ongoing := &session.Session{Status: session.StatusOngoing, DurationMinutes: 45, ActualStart: &start, ScheduledStart: t0}
	assert.Equal(t, 45*time.Minute, RemainingTime(ongoing, t0))
	assert.Equal(t, 15*time.Minute, RemainingTime(ongoing, t0.Add(30*time.Minute)))
	assert.Zero(t, RemainingTime(ongoing, t0.Add(2*time.Hour)))
	assert.False(t, IsOverdue(ongoing, t0.Add(45*time.Minute), 0))
	assert.True(t, IsOverdue(ongoing, t0.Add(45*time.Minute+time.Second), 0))

	scheduled := &session.Session{Status: session.StatusScheduled, DurationMinutes: 30, ScheduledStart: t0}
	assert.Zero(t, RemainingTime(scheduled, t0))
	assert.False(t, IsOverdue(scheduled, t0.Add(30*time.Minute), 0))
	assert.True(t, IsOverdue(scheduled, t0.Add(31*time.Minute), 0))
	assert.False(t, IsOverdue(scheduled, t0.Add(31*time.Minute), 2*time.Minute))

	done := &session.Session{Status: session.StatusExpired, DurationMinutes: 30, ScheduledStart: t0}
	assert.False(t, IsOverdue(done, t0.Add(time.Hour), 0))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Options{})
	s := f.create(t, 30)
	f.clock.Set(t0.Add(time.Hour))

	sched := New(f.registry, f.tracker, f.pub, Options{Now: f.clock.Now, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := f.registry.Get(context.Background(), s.ID)
		return err == nil && got.Status == session.StatusExpired
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
