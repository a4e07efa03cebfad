package attendance

import (
	"context"
	"math"
	"time"
)

// Classification is the finalized attendance verdict.
type Classification string

const (
	Unclassified Classification = ""
	Present      Classification = "present"
	Partial      Classification = "partial"
	Absent       Classification = "absent"
)

// DefaultPresentThreshold is the share of the session a participant must
// attend to count as present.
const DefaultPresentThreshold = 0.8

// Record is one participant's attendance in one session. A participant has a
// single record per session; rejoining reopens it.
type Record struct {
	SessionID          string         `json:"session_id"`
	ParticipantID      string         `json:"participant_id"`
	JoinTime           time.Time      `json:"join_time"`
	LeaveTime          *time.Time     `json:"leave_time,omitempty"`
	AccumulatedSeconds int64          `json:"accumulated_seconds"`
	Classification     Classification `json:"classification,omitempty"`
	FirstJoinedAt      time.Time      `json:"first_joined_at"`
	Reconnects         int            `json:"reconnects"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Active reports whether the participant is currently joined. Records
// written for invitees who never joined have a zero JoinTime.
func (r *Record) Active() bool {
	return r.LeaveTime == nil && !r.JoinTime.IsZero()
}

// Accumulated returns the closed attendance time.
func (r *Record) Accumulated() time.Duration {
	return time.Duration(r.AccumulatedSeconds) * time.Second
}

// AccumulatedMinutes is the closed attendance time in minutes.
func (r *Record) AccumulatedMinutes() float64 {
	return r.Accumulated().Minutes()
}

// Clone returns a copy safe to hand to callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.LeaveTime != nil {
		t := *r.LeaveTime
		c.LeaveTime = &t
	}
	return &c
}

// close ends the open interval at end, adding it to the accumulated time and
// capping the total at limit.
func (r *Record) close(end time.Time, limit time.Duration) {
	if !r.Active() {
		return
	}
	if end.Before(r.JoinTime) {
		end = r.JoinTime
	}
	r.addSeconds(end.Sub(r.JoinTime), limit)
	e := end
	r.LeaveTime = &e
}

func (r *Record) addSeconds(d time.Duration, limit time.Duration) {
	total := r.Accumulated() + d
	if limit > 0 && total > limit {
		total = limit
	}
	if total < 0 {
		total = 0
	}
	r.AccumulatedSeconds = int64(total / time.Second)
}

// Classify applies the threshold rule: present at or above threshold of the
// session duration, partial for any smaller positive time, absent otherwise.
func Classify(accumulated, duration time.Duration, threshold float64) Classification {
	if accumulated <= 0 {
		return Absent
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultPresentThreshold
	}
	required := time.Duration(math.Round(threshold * float64(duration)))
	if accumulated >= required {
		return Present
	}
	return Partial
}

// Repository persists attendance records. Get returns an apperr NotFound
// error for unknown pairs; storage failures are Transient.
type Repository interface {
	Get(ctx context.Context, sessionID, participantID string) (*Record, error)
	Upsert(ctx context.Context, rec *Record) error
	ListBySession(ctx context.Context, sessionID string) ([]*Record, error)
	ListByParticipant(ctx context.Context, participantID string) ([]*Record, error)
}
