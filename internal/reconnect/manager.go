package reconnect

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"liveclass/internal/apperr"
	"liveclass/internal/attendance"
	"liveclass/internal/session"
)

// API is the slice of the REST client the manager drives.
type API interface {
	GetSession(ctx context.Context, id string) (*session.Session, error)
	Join(ctx context.Context, sessionID, participantID string, isReconnect bool) (*attendance.Record, error)
	Leave(ctx context.Context, sessionID, participantID string, at time.Time) (*attendance.Record, error)
}

// RestoreReport counts what Restore did with each ledger entry.
type RestoreReport struct {
	Rejoined int
	Dropped  int
	Kept     int
}

// Manager keeps the ledger in step with joins and leaves and replays it
// after a restart.
type Manager struct {
	api    API
	ledger *Ledger
	now    func() time.Time
	log    *slog.Logger
}

// NewManager creates a manager. logger may be nil.
func NewManager(api API, ledger *Ledger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{api: api, ledger: ledger, now: time.Now, log: logger.With("component", "reconnect")}
}

// Ledger exposes the underlying ledger.
func (m *Manager) Ledger() *Ledger { return m.ledger }

// Join records a first join and remembers it.
func (m *Manager) Join(ctx context.Context, sessionID, participantID string) (*attendance.Record, error) {
	rec, err := m.api.Join(ctx, sessionID, participantID, false)
	if err != nil {
		return nil, err
	}
	if err := m.ledger.Add(ctx, Entry{SessionID: sessionID, ParticipantID: participantID, JoinedAt: m.now().UTC()}); err != nil {
		m.log.Warn("ledger write failed after join", "session_id", sessionID, "error", err)
	}
	return rec, nil
}

// Leave records a leave and forgets the session. The entry is dropped when
// the server no longer knows the record, too.
func (m *Manager) Leave(ctx context.Context, sessionID, participantID string) (*attendance.Record, error) {
	rec, err := m.api.Leave(ctx, sessionID, participantID, time.Time{})
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if lerr := m.ledger.Remove(ctx, sessionID, participantID); lerr != nil {
		m.log.Warn("ledger write failed after leave", "session_id", sessionID, "error", lerr)
	}
	return rec, err
}

// Restore rejoins every ledger entry whose session is still ongoing, as a
// reconnect. Entries for sessions that ended or no longer exist are
// dropped. Entries that hit a transient failure are kept for the next
// restore.
func (m *Manager) Restore(ctx context.Context) (RestoreReport, error) {
	var rep RestoreReport
	for _, e := range m.ledger.Entries() {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		keep, err := m.restoreOne(ctx, e)
		switch {
		case err != nil:
			rep.Kept++
			m.log.Warn("reconnect deferred", "session_id", e.SessionID, "participant_id", e.ParticipantID, "error", err)
		case keep:
			rep.Rejoined++
		default:
			rep.Dropped++
			if rerr := m.ledger.Remove(ctx, e.SessionID, e.ParticipantID); rerr != nil {
				return rep, rerr
			}
		}
	}
	if rep != (RestoreReport{}) {
		m.log.Info("reconnect ledger restored", "rejoined", rep.Rejoined, "dropped", rep.Dropped, "kept", rep.Kept)
	}
	return rep, nil
}

// restoreOne reports whether the entry is still live. A non-nil error means
// the outcome is unknown and the entry stays.
func (m *Manager) restoreOne(ctx context.Context, e Entry) (bool, error) {
	s, err := m.api.GetSession(ctx, e.SessionID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	case s.Status != session.StatusOngoing:
		return false, nil
	}

	_, err = m.api.Join(ctx, e.SessionID, e.ParticipantID, true)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrConflict):
		// ended or vanished between the read and the join
		return false, nil
	}
	return false, err
}

// Observe drops ledger entries for s once it is no longer ongoing. Feed it
// from push events or polling.
func (m *Manager) Observe(ctx context.Context, s *session.Session) {
	if s == nil || s.Status == session.StatusOngoing || s.Status == session.StatusScheduled {
		return
	}
	n, err := m.ledger.RemoveSession(ctx, s.ID)
	if err != nil {
		m.log.Warn("ledger write failed", "session_id", s.ID, "error", err)
		return
	}
	if n > 0 {
		m.log.Info("session left ongoing, ledger entries dropped", "session_id", s.ID, "status", s.Status, "entries", n)
	}
}

// Reconcile applies a polled listing to the ledger. Entries whose session is
// absent from listed, because the listing was narrowed to one program, are
// looked up individually; a session the server no longer knows is dropped
// and a failed lookup leaves the entry for the next pass.
func (m *Manager) Reconcile(ctx context.Context, listed []*session.Session) {
	known := make(map[string]bool, len(listed))
	for _, s := range listed {
		known[s.ID] = true
		m.Observe(ctx, s)
	}
	for _, e := range m.ledger.Entries() {
		if known[e.SessionID] || ctx.Err() != nil {
			continue
		}
		known[e.SessionID] = true
		s, err := m.api.GetSession(ctx, e.SessionID)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			if _, rerr := m.ledger.RemoveSession(ctx, e.SessionID); rerr != nil {
				m.log.Warn("ledger write failed", "session_id", e.SessionID, "error", rerr)
			}
		case err != nil:
			m.log.Debug("ledger entry check deferred", "session_id", e.SessionID, "error", err)
		default:
			m.Observe(ctx, s)
		}
	}
}
