package reconnect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveclass/internal/apperr"
	"liveclass/internal/attendance"
	"liveclass/internal/session"
)

type joinCall struct {
	sessionID, participantID string
	reconnect                bool
}

type fakeAPI struct {
	mu       sync.Mutex
	sessions map[string]session.Status
	getErr   map[string]error
	joins    []joinCall
	leaveErr error
}

func (f *fakeAPI) GetSession(_ context.Context, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	st, ok := f.sessions[id]
	if !ok {
		return nil, apperr.NotFound("session.get", "session %s not found", id)
	}
	return &session.Session{ID: id, Status: st}, nil
}

func (f *fakeAPI) Join(_ context.Context, sid, pid string, reconnect bool) (*attendance.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, joinCall{sid, pid, reconnect})
	if f.sessions[sid] != session.StatusOngoing {
		return nil, apperr.Conflict("attendance.join", "not ongoing")
	}
	return &attendance.Record{SessionID: sid, ParticipantID: pid}, nil
}

func (f *fakeAPI) Leave(_ context.Context, sid, pid string, _ time.Time) (*attendance.Record, error) {
	if f.leaveErr != nil {
		return nil, f.leaveErr
	}
	return &attendance.Record{SessionID: sid, ParticipantID: pid}, nil
}

func newManager(t *testing.T, api *fakeAPI, store LedgerStore) *Manager {
	t.Helper()
	ledger, err := NewLedger(context.Background(), store)
	require.NoError(t, err)
	return NewManager(api, ledger, nil)
}

func TestJoinAndLeaveMaintainLedger(t *testing.T) {
	api := &fakeAPI{sessions: map[string]session.Status{"s1": session.StatusOngoing}}
	m := newManager(t, api, &MemoryStore{})
	ctx := context.Background()

	_, err := m.Join(ctx, "s1", "ana")
	require.NoError(t, err)
	require.Len(t, m.Ledger().Entries(), 1)
	assert.False(t, api.joins[0].reconnect)

	_, err = m.Join(ctx, "s2", "ana")
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Len(t, m.Ledger().Entries(), 1)

	_, err = m.Leave(ctx, "s1", "ana")
	require.NoError(t, err)
	assert.Empty(t, m.Ledger().Entries())
}

func TestLeaveOfUnknownRecordStillForgets(t *testing.T) {
	api := &fakeAPI{sessions: map[string]session.Status{"s1": session.StatusOngoing}}
	m := newManager(t, api, &MemoryStore{})
	ctx := context.Background()
	_, err := m.Join(ctx, "s1", "ana")
	require.NoError(t, err)

	api.leaveErr = apperr.NotFound("attendance.leave", "no record")
	_, err = m.Leave(ctx, "s1", "ana")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Empty(t, m.Ledger().Entries())

	api.leaveErr = apperr.Transient("attendance.leave", errors.New("timeout"))
	_, err = m.Join(ctx, "s1", "ana")
	require.NoError(t, err)
	_, err = m.Leave(ctx, "s1", "ana")
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Len(t, m.Ledger().Entries(), 1)
}

// Scenario: a participant's agent restarts while one of their sessions is
// still running and another has ended.
func TestRestore(t *testing.T) {
	store := &MemoryStore{}
	require.NoError(t, store.Save(context.Background(), []Entry{
		{SessionID: "live", ParticipantID: "ana"},
		{SessionID: "ended", ParticipantID: "ana"},
		{SessionID: "deleted", ParticipantID: "ana"},
		{SessionID: "flaky", ParticipantID: "ana"},
	}))
	api := &fakeAPI{
		sessions: map[string]session.Status{
			"live":  session.StatusOngoing,
			"ended": session.StatusCompleted,
			"flaky": session.StatusOngoing,
		},
		getErr: map[string]error{"flaky": apperr.Transient("session.get", errors.New("503"))},
	}
	m := newManager(t, api, store)

	rep, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RestoreReport{Rejoined: 1, Dropped: 2, Kept: 1}, rep)

	require.Len(t, api.joins, 1)
	assert.Equal(t, joinCall{"live", "ana", true}, api.joins[0])

	var left []string
	for _, e := range m.Ledger().Entries() {
		left = append(left, e.SessionID)
	}
	assert.Equal(t, []string{"flaky", "live"}, left)

	persisted, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, persisted, 2)
}

func TestRestoreDropsWhenSessionEndsBeforeJoin(t *testing.T) {
	store := &MemoryStore{}
	require.NoError(t, store.Save(context.Background(), []Entry{{SessionID: "s1", ParticipantID: "ana"}}))
	api := &racingAPI{fakeAPI: fakeAPI{sessions: map[string]session.Status{"s1": session.StatusOngoing}}}
	m := newManager(t, &api.fakeAPI, store)
	m.api = api

	rep, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Dropped)
	assert.Empty(t, m.Ledger().Entries())
}

// racingAPI ends the session between GetSession and Join.
type racingAPI struct {
	fakeAPI
}

func (r *racingAPI) GetSession(ctx context.Context, id string) (*session.Session, error) {
	s, err := r.fakeAPI.GetSession(ctx, id)
	r.mu.Lock()
	r.sessions[id] = session.StatusCompleted
	r.mu.Unlock()
	return s, err
}

func TestObserve(t *testing.T) {
	api := &fakeAPI{sessions: map[string]session.Status{"s1": session.StatusOngoing, "s2": session.StatusOngoing}}
	m := newManager(t, api, &MemoryStore{})
	ctx := context.Background()
	for _, sid := range []string{"s1", "s2"} {
		_, err := m.Join(ctx, sid, "ana")
		require.NoError(t, err)
	}

	m.Observe(ctx, &session.Session{ID: "s1", Status: session.StatusOngoing})
	assert.Len(t, m.Ledger().Entries(), 2)

	m.Observe(ctx, &session.Session{ID: "s1", Status: session.StatusCompleted})
	entries := m.Ledger().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "s2", entries[0].SessionID)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent", "ledger.json")
	store := FileStore{Path: path}
	ctx := context.Background()

	entries, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	ledger, err := NewLedger(ctx, store)
	require.NoError(t, err)
	joined := time.Date(2026, 3, 2, 9, 5, 0, 0, time.UTC)
	require.NoError(t, ledger.Add(ctx, Entry{SessionID: "s1", ParticipantID: "ana", JoinedAt: joined}))

	reopened, err := NewLedger(ctx, store)
	require.NoError(t, err)
	require.Len(t, reopened.Entries(), 1)
	assert.True(t, joined.Equal(reopened.Entries()[0].JoinedAt))

	require.NoError(t, reopened.Remove(ctx, "s1", "ana"))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestFileStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := NewLedger(context.Background(), FileStore{Path: path})
	assert.Error(t, err)
}

func TestReconcileChecksEntriesOutsideListing(t *testing.T) {
	api := &fakeAPI{
		sessions: map[string]session.Status{
			"math-1": session.StatusOngoing,
			"art-1":  session.StatusCompleted,
			"art-2":  session.StatusOngoing,
			"art-3":  session.StatusOngoing,
		},
		getErr: map[string]error{"art-3": apperr.Transient("session.get", errors.New("timeout"))},
	}
	m := newManager(t, api, &MemoryStore{})
	ctx := context.Background()
	for _, id := range []string{"math-1", "art-1", "art-2", "art-3", "gone"} {
		require.NoError(t, m.Ledger().Add(ctx, Entry{SessionID: id, ParticipantID: "ana"}))
	}

	m.Reconcile(ctx, []*session.Session{{ID: "math-1", Program: "math", Status: session.StatusOngoing}})

	var left []string
	for _, e := range m.Ledger().Entries() {
		left = append(left, e.SessionID)
	}
	assert.ElementsMatch(t, []string{"math-1", "art-2", "art-3"}, left)
	assert.Empty(t, api.joins)
}
