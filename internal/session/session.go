// Package session holds the session record and the registry that validates
// and persists it.
package session

import (
	"context"
	"time"
)

// Duration bounds, in minutes.
const (
	MinDurationMinutes = 5
	MaxDurationMinutes = 180
)

// Session is a scheduled class with a fixed duration and lifecycle status.
type Session struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Program          string     `json:"program"`
	DurationMinutes  int        `json:"duration"`
	ScheduledStart   time.Time  `json:"scheduled_start"`
	ActualStart      *time.Time `json:"actual_start,omitempty"`
	ActualEnd        *time.Time `json:"actual_end,omitempty"`
	MeetingReference string     `json:"meeting_reference"`
	Status           Status     `json:"status"`
	Invitees         []string   `json:"invitees,omitempty"`
	CreatedBy        string     `json:"created_by,omitempty"`
	FinalizedAt      *time.Time `json:"finalized_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Duration returns the planned length as a time.Duration.
func (s *Session) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// ScheduledEnd is the end of the planned window.
func (s *Session) ScheduledEnd() time.Time {
	return s.ScheduledStart.Add(s.Duration())
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.ActualStart != nil {
		t := *s.ActualStart
		c.ActualStart = &t
	}
	if s.ActualEnd != nil {
		t := *s.ActualEnd
		c.ActualEnd = &t
	}
	if s.FinalizedAt != nil {
		t := *s.FinalizedAt
		c.FinalizedAt = &t
	}
	if s.Invitees != nil {
		c.Invitees = append([]string(nil), s.Invitees...)
	}
	return &c
}

// Spec is the operator input for a new session.
type Spec struct {
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Program         string    `json:"program"`
	ScheduledStart  time.Time `json:"scheduled_start"`
	DurationMinutes int       `json:"duration"`
	Invitees        []string  `json:"invitees,omitempty"`
	CreatedBy       string    `json:"-"`
}

// Patch lists optional field changes. Nil fields are left untouched.
type Patch struct {
	Title           *string    `json:"title,omitempty"`
	Description     *string    `json:"description,omitempty"`
	Invitees        *[]string  `json:"invitees,omitempty"`
	ScheduledStart  *time.Time `json:"scheduled_start,omitempty"`
	DurationMinutes *int       `json:"duration,omitempty"`
}

// AffectsTiming reports whether the patch touches duration or start time.
func (p Patch) AffectsTiming() bool {
	return p.ScheduledStart != nil || p.DurationMinutes != nil
}

// Filter narrows a listing. Empty fields match everything.
type Filter struct {
	Program  string
	Statuses []Status
	// Unfinalized keeps only sessions whose attendance is not finalized yet.
	Unfinalized bool
}

// Matches reports whether s passes the filter.
func (f Filter) Matches(s *Session) bool {
	if f.Program != "" && s.Program != f.Program {
		return false
	}
	if f.Unfinalized && s.FinalizedAt != nil {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

// Repository persists sessions. Implementations return apperr kinds:
// NotFound for unknown ids and Transient for storage failures.
type Repository interface {
	Insert(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	List(ctx context.Context, f Filter) ([]*Session, error)
}
