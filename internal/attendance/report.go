package attendance

import (
	"context"
	"errors"
	"time"

	"liveclass/internal/apperr"
	"liveclass/internal/session"
)

// Summary counts classifications across a roster.
type Summary struct {
	Present int `json:"present"`
	Partial int `json:"partial"`
	Absent  int `json:"absent"`
	Active  int `json:"active"`
	Total   int `json:"total"`
}

// RosterEntry is one participant line. LiveSeconds includes the open
// interval of an active record. Provisional is true until finalization.
type RosterEntry struct {
	*Record
	LiveSeconds    int64          `json:"live_seconds"`
	Classification Classification `json:"classification"`
	Provisional    bool           `json:"provisional"`
}

// Roster is the per-session attendance view.
type Roster struct {
	SessionID string         `json:"session_id"`
	Status    session.Status `json:"status"`
	Finalized bool           `json:"finalized"`
	Entries   []RosterEntry  `json:"entries"`
	Summary   Summary        `json:"summary"`
}

// Roster reports every record for sessionID. Before finalization the
// classifications are computed from live time and flagged provisional;
// invitees with no record appear as absent.
func (t *Tracker) Roster(ctx context.Context, sessionID string) (*Roster, error) {
	s, err := t.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	records, err := t.repo.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	now := t.now().UTC()
	out := &Roster{SessionID: s.ID, Status: s.Status, Finalized: s.FinalizedAt != nil}
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		seen[rec.ParticipantID] = true
		out.Entries = append(out.Entries, t.entry(s, rec, now))
	}
	for _, pid := range s.Invitees {
		if seen[pid] {
			continue
		}
		rec := &Record{SessionID: s.ID, ParticipantID: pid}
		out.Entries = append(out.Entries, t.entry(s, rec, now))
	}
	out.Summary = summarizeEntries(out.Entries)
	return out, nil
}

func (t *Tracker) entry(s *session.Session, rec *Record, now time.Time) RosterEntry {
	live := rec.Accumulated()
	if rec.Active() {
		end := now
		if e := sessionEnd(s); !e.IsZero() && end.After(e) {
			end = e
		}
		if end.After(rec.JoinTime) {
			live += end.Sub(rec.JoinTime)
		}
	}
	if live > s.Duration() {
		live = s.Duration()
	}
	e := RosterEntry{Record: rec, LiveSeconds: int64(live / time.Second)}
	if rec.Classification != Unclassified {
		e.Classification = rec.Classification
	} else {
		e.Classification = Classify(live, s.Duration(), t.threshold)
		e.Provisional = true
	}
	return e
}

// History is a participant's attendance across finalized sessions.
type History struct {
	ParticipantID        string    `json:"participant_id"`
	Records              []*Record `json:"records"`
	Summary              Summary   `json:"summary"`
	AttendedSeconds      int64     `json:"attended_seconds"`
	ScheduledSeconds     int64     `json:"scheduled_seconds"`
	AttendancePercentage float64   `json:"attendance_percentage"`
}

// History lists every record for participantID. The percentage covers only
// finalized records: Σaccumulated / Σsession duration.
func (t *Tracker) History(ctx context.Context, participantID string) (*History, error) {
	if participantID == "" {
		return nil, apperr.Validation("attendance.history", "participant id is required")
	}
	records, err := t.repo.ListByParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}

	h := &History{ParticipantID: participantID, Records: records}
	for _, rec := range records {
		if rec.Active() {
			h.Summary.Active++
		}
		if rec.Classification == Unclassified {
			continue
		}
		s, err := t.sessions.Get(ctx, rec.SessionID)
		if errors.Is(err, apperr.ErrNotFound) {
			t.log.Warn("attendance record references unknown session", "session_id", rec.SessionID, "participant_id", participantID)
			continue
		}
		if err != nil {
			return nil, err
		}
		countClassification(&h.Summary, rec.Classification)
		h.AttendedSeconds += rec.AccumulatedSeconds
		h.ScheduledSeconds += int64(s.Duration() / time.Second)
	}
	h.Summary.Total = len(records)
	if h.ScheduledSeconds > 0 {
		h.AttendancePercentage = 100 * float64(h.AttendedSeconds) / float64(h.ScheduledSeconds)
	}
	return h, nil
}

func summarizeEntries(entries []RosterEntry) Summary {
	var s Summary
	for _, e := range entries {
		countClassification(&s, e.Classification)
		if e.Active() {
			s.Active++
		}
	}
	s.Total = len(entries)
	return s
}

func countClassification(s *Summary, c Classification) {
	switch c {
	case Present:
		s.Present++
	case Partial:
		s.Partial++
	case Absent:
		s.Absent++
	case Unclassified:
	}
}
