package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveclass/internal/apperr"
	"liveclass/internal/session"
)

// flaky fails the first n requests with status, then answers with ok.
func flaky(n int32, status int, ok any) (*httptest.Server, *atomic.Int32) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) <= n {
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "storage unavailable", "kind": "transient"})
			return
		}
		_ = json.NewEncoder(w).Encode(ok)
	}))
	return srv, &calls
}

func newClient(srv *httptest.Server) *Client {
	return New(srv.URL, Options{
		Token:           "tok",
		InitialInterval: time.Millisecond,
		MaxElapsed:      2 * time.Second,
	})
}

func TestReadsRetryTransientFailures(t *testing.T) {
	srv, calls := flaky(2, http.StatusServiceUnavailable, session.Session{ID: "s1", Status: session.StatusOngoing})
	defer srv.Close()

	s, err := newClient(srv).GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, session.StatusOngoing, s.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStartIsNotRetried(t *testing.T) {
	srv, calls := flaky(5, http.StatusServiceUnavailable, session.Session{ID: "s1"})
	defer srv.Close()

	_, err := newClient(srv).StartSession(context.Background(), "s1")
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOnlyReconnectJoinsRetry(t *testing.T) {
	srv, calls := flaky(1, http.StatusServiceUnavailable, map[string]any{"session_id": "s1", "participant_id": "ana"})
	defer srv.Close()
	c := newClient(srv)

	_, err := c.Join(context.Background(), "s1", "ana", false)
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Equal(t, int32(1), calls.Load())

	calls.Store(0)
	rec, err := c.Join(context.Background(), "s1", "ana", true)
	require.NoError(t, err)
	assert.Equal(t, "ana", rec.ParticipantID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestErrorKindsAreDecoded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/sessions/gone":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"session.get: session gone not found","kind":"not_found"}`))
		case "/v1/sessions/busy/end":
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"session busy has not started","kind":"conflict"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream down"))
		}
	}))
	defer srv.Close()
	c := New(srv.URL, Options{Token: "tok", InitialInterval: time.Millisecond, MaxElapsed: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := c.GetSession(ctx, "gone")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Contains(t, err.Error(), "session gone not found")
	assert.Equal(t, int32(1), calls.Load())

	_, err = c.EndSession(ctx, "busy")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	calls.Store(0)
	_, err = c.Roster(ctx, "s1")
	assert.ErrorIs(t, err, apperr.ErrTransient)
	assert.Greater(t, calls.Load(), int32(1))
}

func TestListSessionsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "math", r.URL.Query().Get("program"))
		assert.Equal(t, []string{"scheduled", "ongoing"}, r.URL.Query()["status"])
		_, _ = w.Write([]byte(`{"sessions":[{"id":"s1","status":"ongoing","remainingSeconds":60}]}`))
	}))
	defer srv.Close()

	list, err := newClient(srv).ListSessions(context.Background(), "math", session.StatusScheduled, session.StatusOngoing)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, session.StatusOngoing, list[0].Status)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	srv, _ := flaky(1000, http.StatusServiceUnavailable, nil)
	defer srv.Close()
	c := New(srv.URL, Options{InitialInterval: 10 * time.Millisecond, MaxElapsed: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.History(ctx, "ana")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
