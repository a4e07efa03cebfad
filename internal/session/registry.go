package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"liveclass/internal/apperr"
	"liveclass/internal/broadcast"
	"liveclass/internal/lock"
)

// MeetingProvisioner obtains a joinable meeting handle from the external
// conferencing service.
type MeetingProvisioner interface {
	CreateMeeting(ctx context.Context, s *Session) (string, error)
}

// Options tunes a Registry. Zero values select defaults.
type Options struct {
	Now    func() time.Time
	Logger *slog.Logger
}

// Registry validates and persists sessions. Status, ActualStart and ActualEnd
// are written only through SaveTransition, which the lifecycle scheduler owns.
// Every read-modify-write of a session happens under Lock(id), shared with
// the scheduler, so an edit never writes back a stale status.
type Registry struct {
	repo     Repository
	meetings MeetingProvisioner
	pub      broadcast.Publisher
	now      func() time.Time
	log      *slog.Logger
	locks    *lock.Keyed
}

// NewRegistry creates a registry. meetings and pub may be nil.
func NewRegistry(repo Repository, meetings MeetingProvisioner, pub broadcast.Publisher, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		repo:     repo,
		meetings: meetings,
		pub:      pub,
		now:      opts.Now,
		log:      opts.Logger.With("component", "session_registry"),
		locks:    lock.NewKeyed(),
	}
}

// Lock takes the per-session write lock and returns its unlock func.
func (r *Registry) Lock(id string) (unlock func()) {
	return r.locks.Lock(id)
}

// Create validates spec and persists a new scheduled session.
func (r *Registry) Create(ctx context.Context, spec Spec) (*Session, error) {
	const op = "session.create"
	now := r.now().UTC()

	spec.Title = strings.TrimSpace(spec.Title)
	spec.Program = strings.TrimSpace(spec.Program)
	if spec.Title == "" {
		return nil, apperr.Validation(op, "title is required")
	}
	if spec.Program == "" {
		return nil, apperr.Validation(op, "program is required")
	}
	if err := validateTiming(op, spec.DurationMinutes, spec.ScheduledStart, now); err != nil {
		return nil, err
	}

	s := &Session{
		ID:              uuid.NewString(),
		Title:           spec.Title,
		Description:     spec.Description,
		Program:         spec.Program,
		DurationMinutes: spec.DurationMinutes,
		ScheduledStart:  spec.ScheduledStart.UTC(),
		Status:          StatusScheduled,
		Invitees:        dedupe(spec.Invitees),
		CreatedBy:       spec.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if r.meetings != nil {
		ref, err := r.meetings.CreateMeeting(ctx, s)
		if err != nil {
			return nil, apperr.Transient(op, err)
		}
		s.MeetingReference = ref
	} else {
		s.MeetingReference = "local:" + s.ID
	}

	if err := r.repo.Insert(ctx, s); err != nil {
		return nil, err
	}

	r.log.Info("session created", "session_id", s.ID, "program", s.Program, "scheduled_start", s.ScheduledStart, "duration_min", s.DurationMinutes)
	r.publish(broadcast.EventSessionCreated, s)
	return s, nil
}

// Update applies patch. Timing fields are only accepted while the session is
// still scheduled.
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	const op = "session.update"
	defer r.Lock(id)()

	s, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.AffectsTiming() && s.Status != StatusScheduled {
		return nil, apperr.Conflict(op, "session %s is %s; duration and start time are locked", id, s.Status)
	}

	now := r.now().UTC()
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, apperr.Validation(op, "title cannot be empty")
		}
		s.Title = title
	}
	if patch.Description != nil {
		s.Description = *patch.Description
	}
	if patch.Invitees != nil {
		s.Invitees = dedupe(*patch.Invitees)
	}
	if patch.AffectsTiming() {
		duration := s.DurationMinutes
		if patch.DurationMinutes != nil {
			duration = *patch.DurationMinutes
		}
		start := s.ScheduledStart
		if patch.ScheduledStart != nil {
			start = patch.ScheduledStart.UTC()
		}
		if err := validateTiming(op, duration, start, now); err != nil {
			return nil, err
		}
		s.DurationMinutes = duration
		s.ScheduledStart = start
	}
	s.UpdatedAt = now

	if err := r.repo.Update(ctx, s); err != nil {
		return nil, err
	}
	r.log.Info("session updated", "session_id", s.ID, "timing_changed", patch.AffectsTiming())
	r.publish(broadcast.EventSessionUpdated, s)
	return s, nil
}

// Get returns the session with id.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("session.get", "session id is required")
	}
	return r.repo.Get(ctx, id)
}

// ListByProgram lists sessions of a program, optionally restricted to statuses.
// An empty program lists every program.
func (r *Registry) ListByProgram(ctx context.Context, program string, statuses ...Status) ([]*Session, error) {
	return r.repo.List(ctx, Filter{Program: program, Statuses: statuses})
}

// ListUnfinalized lists sessions in statuses whose attendance has not been
// finalized.
func (r *Registry) ListUnfinalized(ctx context.Context, statuses ...Status) ([]*Session, error) {
	return r.repo.List(ctx, Filter{Statuses: statuses, Unfinalized: true})
}

// SaveTransition persists a state change computed by the lifecycle scheduler.
// The caller must hold Lock(s.ID). The edge is re-validated so a buggy caller
// cannot reverse a transition.
func (r *Registry) SaveTransition(ctx context.Context, from Status, s *Session) error {
	if from != s.Status && !from.CanTransition(s.Status) {
		return apperr.Conflict("session.transition", "illegal transition %s -> %s", from, s.Status)
	}
	s.UpdatedAt = r.now().UTC()
	return r.repo.Update(ctx, s)
}

func (r *Registry) publish(typ broadcast.EventType, s *Session) {
	if r.pub == nil {
		return
	}
	r.pub.Publish(broadcast.Event{
		Type:      typ,
		Program:   s.Program,
		SessionID: s.ID,
		NewStatus: s.Status.String(),
		Data:      s.Clone(),
	})
}

func validateTiming(op string, duration int, start, now time.Time) error {
	if duration < MinDurationMinutes || duration > MaxDurationMinutes {
		return apperr.Validation(op, "duration must be between %d and %d minutes, got %d", MinDurationMinutes, MaxDurationMinutes, duration)
	}
	if start.IsZero() {
		return apperr.Validation(op, "scheduled start is required")
	}
	if start.Before(now) {
		return apperr.Validation(op, "scheduled start %s is in the past", start.Format(time.RFC3339))
	}
	return nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
