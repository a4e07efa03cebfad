// Package attendance records who joined a live session and for how long, and
// classifies each participant once the session stops being ongoing.
package attendance

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"liveclass/internal/apperr"
	"liveclass/internal/broadcast"
	"liveclass/internal/lock"
	"liveclass/internal/metrics"
	"liveclass/internal/session"
)

// SessionSource reads the authoritative session record.
type SessionSource interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// Options tunes a Tracker. Zero values select defaults.
type Options struct {
	PresentThreshold float64
	Now              func() time.Time
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Tracker serializes join and leave per (session, participant) pair. Finalize
// holds the session exclusively so no join or leave interleaves with it.
type Tracker struct {
	repo      Repository
	sessions  SessionSource
	pub       broadcast.Publisher
	threshold float64
	now       func() time.Time
	log       *slog.Logger
	metrics   *metrics.Metrics

	sessionLocks *lock.KeyedRW
	pairLocks    *lock.Keyed
}

// NewTracker creates a tracker. pub may be nil.
func NewTracker(repo Repository, sessions SessionSource, pub broadcast.Publisher, opts Options) *Tracker {
	if opts.PresentThreshold <= 0 || opts.PresentThreshold > 1 {
		opts.PresentThreshold = DefaultPresentThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		repo:         repo,
		sessions:     sessions,
		pub:          pub,
		threshold:    opts.PresentThreshold,
		now:          opts.Now,
		log:          opts.Logger.With("component", "attendance"),
		metrics:      opts.Metrics,
		sessionLocks: lock.NewKeyedRW(),
		pairLocks:    lock.NewKeyed(),
	}
}

// Threshold is the present ratio in use.
func (t *Tracker) Threshold() float64 { return t.threshold }

func (t *Tracker) lockPair(sessionID, participantID string) func() {
	runlock := t.sessionLocks.RLock(sessionID)
	unlock := t.pairLocks.Lock(sessionID + "/" + participantID)
	return func() {
		unlock()
		runlock()
	}
}

// Join opens or resumes the participant's record. A join for a pair that is
// already active leaves the record untouched. A reconnect with no active
// record restarts the clock at now; the disconnect gap is not counted.
func (t *Tracker) Join(ctx context.Context, sessionID, participantID string, isReconnect bool) (*Record, error) {
	const op = "attendance.join"
	if err := validateIDs(op, sessionID, participantID); err != nil {
		return nil, err
	}
	defer t.lockPair(sessionID, participantID)()

	s, err := t.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != session.StatusOngoing {
		return nil, apperr.Conflict(op, "session %s is %s; joins are accepted only while ongoing", sessionID, s.Status)
	}

	now := t.now().UTC()
	rec, err := t.repo.Get(ctx, sessionID, participantID)
	kind := "join"
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		rec = &Record{
			SessionID:     sessionID,
			ParticipantID: participantID,
			JoinTime:      now,
			FirstJoinedAt: now,
		}
		if isReconnect {
			rec.Reconnects = 1
		}
	case err != nil:
		return nil, err
	case rec.Active():
		t.log.Debug("join on active record ignored", "session_id", sessionID, "participant_id", participantID, "reconnect", isReconnect)
		return rec, nil
	default:
		rec.JoinTime = now
		rec.LeaveTime = nil
		if rec.FirstJoinedAt.IsZero() {
			rec.FirstJoinedAt = now
		}
		kind = "rejoin"
		if isReconnect {
			rec.Reconnects++
			kind = "reconnect"
		}
	}
	rec.UpdatedAt = now
	if err := t.repo.Upsert(ctx, rec); err != nil {
		return nil, err
	}

	t.metrics.Attendance(kind)
	t.log.Info("participant joined", "session_id", sessionID, "participant_id", participantID, "kind", kind)
	t.publish(s, rec)
	return rec, nil
}

// Leave closes the active record at at, or at now when at is zero. A leave
// for a closed record is a no-op; a pair that never joined is NotFound. A
// leave stamped before the join time is rejected.
func (t *Tracker) Leave(ctx context.Context, sessionID, participantID string, at time.Time) (*Record, error) {
	const op = "attendance.leave"
	if err := validateIDs(op, sessionID, participantID); err != nil {
		return nil, err
	}
	defer t.lockPair(sessionID, participantID)()

	s, err := t.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rec, err := t.repo.Get(ctx, sessionID, participantID)
	if err != nil {
		return nil, err
	}
	if !rec.Active() {
		return rec, nil
	}

	now := t.now().UTC()
	if at.IsZero() || at.After(now) {
		at = now
	}
	at = at.UTC()
	if at.Before(rec.JoinTime) {
		return nil, apperr.Validation(op, "leave time %s precedes join time %s", at.Format(time.RFC3339), rec.JoinTime.Format(time.RFC3339))
	}
	if end := sessionEnd(s); !end.IsZero() && at.After(end) {
		at = end
	}

	rec.close(at, s.Duration())
	rec.UpdatedAt = now
	if err := t.repo.Upsert(ctx, rec); err != nil {
		return nil, err
	}

	t.metrics.Attendance("leave")
	t.log.Info("participant left", "session_id", sessionID, "participant_id", participantID, "accumulated_s", rec.AccumulatedSeconds)
	t.publish(s, rec)
	return rec, nil
}

// Finalize closes any still-open record and classifies every participant of
// s, writing absent records for invitees who never joined. Running it again
// yields the same classifications.
func (t *Tracker) Finalize(ctx context.Context, s *session.Session) ([]*Record, error) {
	const op = "attendance.finalize"
	if !s.Status.Terminal() {
		return nil, apperr.Conflict(op, "session %s is %s; only finished sessions are finalized", s.ID, s.Status)
	}
	defer t.sessionLocks.Lock(s.ID)()

	records, err := t.repo.ListBySession(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	now := t.now().UTC()
	end := sessionEnd(s)
	if end.IsZero() {
		end = now
	}

	seen := make(map[string]bool, len(records))
	var errs []error
	for _, rec := range records {
		seen[rec.ParticipantID] = true
		if rec.Active() {
			rec.close(end, s.Duration())
		}
		rec.addSeconds(0, s.Duration())
		rec.Classification = Classify(rec.Accumulated(), s.Duration(), t.threshold)
		rec.UpdatedAt = now
		if err := t.repo.Upsert(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	for _, pid := range s.Invitees {
		if seen[pid] {
			continue
		}
		rec := &Record{SessionID: s.ID, ParticipantID: pid, Classification: Absent, UpdatedAt: now}
		if err := t.repo.Upsert(ctx, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		records = append(records, rec)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, apperr.Transient(op, err)
	}

	t.metrics.Attendance("finalize")
	t.log.Info("attendance finalized", "session_id", s.ID, "records", len(records), "status", s.Status)
	for _, rec := range records {
		t.publish(s, rec)
	}
	return records, nil
}

func (t *Tracker) publish(s *session.Session, rec *Record) {
	if t.pub == nil {
		return
	}
	t.pub.Publish(broadcast.Event{
		Type:           broadcast.EventAttendanceChanged,
		Program:        s.Program,
		SessionID:      rec.SessionID,
		ParticipantID:  rec.ParticipantID,
		Classification: string(rec.Classification),
		Data:           rec.Clone(),
	})
}

// sessionEnd is the latest instant attendance can count toward: the actual
// end when known, otherwise start plus duration.
func sessionEnd(s *session.Session) time.Time {
	if s.ActualEnd != nil {
		return *s.ActualEnd
	}
	if s.ActualStart != nil {
		return s.ActualStart.Add(s.Duration())
	}
	return time.Time{}
}

func validateIDs(op, sessionID, participantID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return apperr.Validation(op, "session id is required")
	}
	if strings.TrimSpace(participantID) == "" {
		return apperr.Validation(op, "participant id is required")
	}
	return nil
}
