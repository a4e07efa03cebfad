// Package lifecycle owns the session state machine. It applies explicit
// start and end requests and runs the sweep that expires never-started
// sessions and completes sessions whose duration has elapsed.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"liveclass/internal/apperr"
	"liveclass/internal/attendance"
	"liveclass/internal/broadcast"
	"liveclass/internal/metrics"
	"liveclass/internal/session"
)

// DefaultSweepInterval is the periodic sweep cadence.
const DefaultSweepInterval = 30 * time.Second

// Store is the slice of the session registry the scheduler needs. Lock is
// the same per-session lock the registry takes for edits.
type Store interface {
	Lock(id string) (unlock func())
	Get(ctx context.Context, id string) (*session.Session, error)
	ListByProgram(ctx context.Context, program string, statuses ...session.Status) ([]*session.Session, error)
	ListUnfinalized(ctx context.Context, statuses ...session.Status) ([]*session.Session, error)
	SaveTransition(ctx context.Context, from session.Status, s *session.Session) error
}

// Finalizer classifies attendance for a session that left ongoing.
type Finalizer interface {
	Finalize(ctx context.Context, s *session.Session) ([]*attendance.Record, error)
}

// Options tunes a Scheduler. Zero values select defaults.
type Options struct {
	Interval time.Duration
	// Grace extends the start window and the expiry deadline of a
	// scheduled session past its scheduled end.
	Grace   time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// SweepSummary reports one sweep pass.
type SweepSummary struct {
	ExpiredCount   int `json:"expiredCount"`
	CompletedCount int `json:"completedCount"`
	FinalizedCount int `json:"finalizedCount"`
	Failures       int `json:"failures"`
}

// Scheduler is the only writer of session status, actual start and actual
// end. All writes for one session run under the store's per-session lock, so
// the periodic sweep, an on-demand sweep, explicit start/end and registry
// edits never race.
type Scheduler struct {
	store    Store
	fin      Finalizer
	pub      broadcast.Publisher
	interval time.Duration
	grace    time.Duration
	now      func() time.Time
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// New creates a scheduler. fin and pub may be nil.
func New(store Store, fin Finalizer, pub broadcast.Publisher, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultSweepInterval
	}
	if opts.Grace < 0 {
		opts.Grace = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		fin:      fin,
		pub:      pub,
		interval: opts.Interval,
		grace:    opts.Grace,
		now:      opts.Now,
		log:      opts.Logger.With("component", "lifecycle"),
		metrics:  opts.Metrics,
	}
}

// Grace returns the configured grace period.
func (s *Scheduler) Grace() time.Duration { return s.grace }

// Now returns the scheduler clock in UTC.
func (s *Scheduler) Now() time.Time { return s.now().UTC() }

// Start moves a scheduled session to ongoing. The first caller wins; any
// later or concurrent caller gets a conflict.
func (s *Scheduler) Start(ctx context.Context, id string) (*session.Session, error) {
	const op = "lifecycle.start"
	defer s.store.Lock(id)()

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	switch sess.Status {
	case session.StatusScheduled:
		if now.After(sess.ScheduledEnd().Add(s.grace)) {
			return nil, apperr.Conflict(op, "session %s missed its start window ending %s", id, sess.ScheduledEnd().Add(s.grace).Format(time.RFC3339))
		}
	case session.StatusOngoing:
		return nil, apperr.Conflict(op, "session %s already started", id)
	case session.StatusCompleted, session.StatusExpired:
		return nil, apperr.Conflict(op, "session %s already finished (%s)", id, sess.Status)
	default:
		return nil, apperr.Conflict(op, "session %s has unknown status", id)
	}

	if err := s.transition(ctx, sess, session.StatusOngoing, now, "start"); err != nil {
		return nil, err
	}
	return sess, nil
}

// End moves an ongoing session to completed with actual end now.
func (s *Scheduler) End(ctx context.Context, id string) (*session.Session, error) {
	const op = "lifecycle.end"
	defer s.store.Lock(id)()

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case session.StatusOngoing:
	case session.StatusScheduled:
		return nil, apperr.Conflict(op, "session %s has not started", id)
	case session.StatusCompleted, session.StatusExpired:
		return nil, apperr.Conflict(op, "session %s already finished (%s)", id, sess.Status)
	default:
		return nil, apperr.Conflict(op, "session %s has unknown status", id)
	}

	if err := s.transition(ctx, sess, session.StatusCompleted, s.Now(), "end"); err != nil {
		return nil, err
	}
	return sess, nil
}

// Sweep applies time-based transitions to every overdue session and retries
// attendance finalization that failed earlier. A failure on one session is
// logged and counted; the pass continues. Running it when nothing is
// overdue changes nothing.
func (s *Scheduler) Sweep(ctx context.Context) (SweepSummary, error) {
	started := time.Now()
	var sum SweepSummary
	defer func() {
		s.metrics.ObserveSweep(time.Since(started), sum.Failures)
	}()

	candidates, err := s.store.ListByProgram(ctx, "", session.StatusScheduled, session.StatusOngoing)
	if err != nil {
		return sum, err
	}
	now := s.Now()
	for _, c := range candidates {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if !IsOverdue(c, now, s.grace) {
			continue
		}
		to, err := s.sweepOne(ctx, c.ID)
		if err != nil {
			sum.Failures++
			s.log.Warn("sweep transition failed", "session_id", c.ID, "error", err)
			continue
		}
		switch to {
		case session.StatusExpired:
			sum.ExpiredCount++
		case session.StatusCompleted:
			sum.CompletedCount++
		case session.StatusUnknown, session.StatusScheduled, session.StatusOngoing:
		}
	}

	pending, err := s.store.ListUnfinalized(ctx, session.StatusCompleted, session.StatusExpired)
	if err != nil {
		sum.Failures++
		s.log.Warn("listing unfinalized sessions", "error", err)
		return sum, nil
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		ok, err := s.refinalize(ctx, p.ID)
		if err != nil {
			sum.Failures++
			s.log.Warn("sweep finalization failed", "session_id", p.ID, "error", err)
			continue
		}
		if ok {
			sum.FinalizedCount++
		}
	}

	if sum != (SweepSummary{}) {
		s.log.Info("sweep finished", "expired", sum.ExpiredCount, "completed", sum.CompletedCount, "finalized", sum.FinalizedCount, "failures", sum.Failures)
	}
	return sum, nil
}

// sweepOne re-reads the session under its lock and applies the overdue
// transition, if one still applies. It returns the new status or
// StatusUnknown when nothing changed.
func (s *Scheduler) sweepOne(ctx context.Context, id string) (session.Status, error) {
	defer s.store.Lock(id)()

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return session.StatusUnknown, err
	}
	now := s.Now()
	if !IsOverdue(sess, now, s.grace) {
		return session.StatusUnknown, nil
	}
	switch sess.Status {
	case session.StatusOngoing:
		// completed at the planned end, not at sweep time
		end := sess.ActualStart.Add(sess.Duration())
		return session.StatusCompleted, s.transition(ctx, sess, session.StatusCompleted, end, "sweep")
	case session.StatusScheduled:
		return session.StatusExpired, s.transition(ctx, sess, session.StatusExpired, now, "sweep")
	case session.StatusUnknown, session.StatusCompleted, session.StatusExpired:
	}
	return session.StatusUnknown, nil
}

func (s *Scheduler) refinalize(ctx context.Context, id string) (bool, error) {
	defer s.store.Lock(id)()

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if sess.FinalizedAt != nil || !sess.Status.Terminal() {
		return false, nil
	}
	if err := s.finalize(ctx, sess); err != nil {
		return false, err
	}
	return true, nil
}

// transition persists sess moving to `to` at instant at. Leaving ongoing
// finalizes attendance; a finalization failure does not undo the
// transition and is retried by the next sweep.
func (s *Scheduler) transition(ctx context.Context, sess *session.Session, to session.Status, at time.Time, trigger string) error {
	from := sess.Status
	switch to {
	case session.StatusOngoing:
		sess.ActualStart = &at
	case session.StatusCompleted:
		sess.ActualEnd = &at
	case session.StatusUnknown, session.StatusScheduled, session.StatusExpired:
	}
	sess.Status = to
	if err := s.store.SaveTransition(ctx, from, sess); err != nil {
		return err
	}

	s.metrics.Transition(to.String(), trigger)
	s.log.Info("session transitioned", "session_id", sess.ID, "program", sess.Program, "from", from, "to", to, "trigger", trigger)

	if to.Terminal() {
		if err := s.finalize(ctx, sess); err != nil {
			s.log.Warn("attendance finalization deferred", "session_id", sess.ID, "error", err)
		}
	}
	s.publishStatus(sess, from)
	return nil
}

func (s *Scheduler) finalize(ctx context.Context, sess *session.Session) error {
	if s.fin != nil {
		if _, err := s.fin.Finalize(ctx, sess); err != nil {
			return err
		}
	}
	now := s.Now()
	sess.FinalizedAt = &now
	if err := s.store.SaveTransition(ctx, sess.Status, sess); err != nil {
		sess.FinalizedAt = nil
		return err
	}
	return nil
}

func (s *Scheduler) publishStatus(sess *session.Session, from session.Status) {
	if s.pub == nil {
		return
	}
	remaining := int64(RemainingTime(sess, s.Now()) / time.Second)
	s.pub.Publish(broadcast.Event{
		Type:             broadcast.EventSessionStatusChanged,
		Program:          sess.Program,
		SessionID:        sess.ID,
		OldStatus:        from.String(),
		NewStatus:        sess.Status.String(),
		RemainingSeconds: &remaining,
		Data:             sess.Clone(),
	})
}

// Run sweeps on every tick until ctx is cancelled. A tick already in
// progress when ctx is cancelled runs to completion.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("sweep loop started", "interval", s.interval, "grace", s.grace)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweep loop stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.interval)
	defer cancel()
	if _, err := s.Sweep(tctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("sweep failed", "error", err)
	}
}

// RemainingTime is the time left in an ongoing session, floored at zero.
// It is zero for every other status.
func RemainingTime(sess *session.Session, now time.Time) time.Duration {
	if sess.Status != session.StatusOngoing || sess.ActualStart == nil {
		return 0
	}
	left := sess.Duration() - now.Sub(*sess.ActualStart)
	if left < 0 {
		return 0
	}
	return left
}

// IsOverdue reports whether the sweep would transition sess at now: an
// ongoing session past its duration, or a scheduled session past its
// scheduled end plus grace.
func IsOverdue(sess *session.Session, now time.Time, grace time.Duration) bool {
	switch sess.Status {
	case session.StatusOngoing:
		return sess.ActualStart != nil && now.After(sess.ActualStart.Add(sess.Duration()))
	case session.StatusScheduled:
		return now.After(sess.ScheduledEnd().Add(grace))
	case session.StatusUnknown, session.StatusCompleted, session.StatusExpired:
	}
	return false
}
