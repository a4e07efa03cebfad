package main

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"liveclass/internal/broadcast"
	"liveclass/internal/push"
)

// watcher holds a push connection open and redials with backoff. Each
// status change and each reconnect asks the poller for a fresh snapshot,
// since events sent while disconnected are gone.
type watcher struct {
	apiURL  string
	token   string
	program string
	onEvent func()
	onGap   func()
	log     *slog.Logger
}

func (w *watcher) endpoint() (string, error) {
	u, err := url.Parse(w.apiURL)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events/ws"
	q := u.Query()
	if w.program != "" {
		q.Set("program", w.program)
	}
	if w.token != "" {
		q.Set("access_token", w.token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run dials until ctx is cancelled.
func (w *watcher) Run(ctx context.Context) {
	endpoint, err := w.endpoint()
	if err != nil {
		w.log.Error("bad api url, push disabled", "error", err)
		return
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = time.Minute

	for ctx.Err() == nil {
		connected := w.session(ctx, endpoint)
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		w.log.Info("push disconnected, redialing", "wait", wait)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

// session reads one connection until it fails. It reports whether the
// connection got as far as the ready frame.
func (w *watcher) session(ctx context.Context, endpoint string) bool {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		w.log.Debug("push dial failed", "error", err)
		return false
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ready := false
	for {
		var frame struct {
			Event string          `json:"event"`
			Data  broadcast.Event `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			return ready
		}
		switch frame.Event {
		case push.EventReady:
			ready = true
			w.onGap()
		case string(broadcast.EventSessionStatusChanged):
			w.log.Info("session status changed", "session_id", frame.Data.SessionID, "from", frame.Data.OldStatus, "to", frame.Data.NewStatus)
			w.onEvent()
		default:
			w.log.Debug("push event", "type", frame.Event, "session_id", frame.Data.SessionID)
		}
	}
}
