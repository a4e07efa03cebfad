package main

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liveclass/internal/broadcast"
	"liveclass/internal/push"
)

func TestEndpoint(t *testing.T) {
	w := &watcher{apiURL: "https://lms.example/api/", token: "tok", program: "math"}
	got, err := w.endpoint()
	require.NoError(t, err)
	assert.Equal(t, "wss://lms.example/api/v1/events/ws?access_token=tok&program=math", got)
}

func TestWatcherTriggersOnReadyAndStatusChange(t *testing.T) {
	gin.SetMode(gin.TestMode)
	b := broadcast.New(nil, broadcast.Options{})
	require.NoError(t, b.Start(context.Background()))
	defer b.Close()

	r := gin.New()
	r.GET("/v1/events/ws", push.New(b, push.Options{}).WebSocket)
	srv := httptest.NewServer(r)
	defer srv.Close()

	var gaps, events atomic.Int32
	w := &watcher{
		apiURL:  srv.URL,
		onEvent: func() { events.Add(1) },
		onGap:   func() { gaps.Add(1) },
		log:     slog.Default(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return gaps.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	b.Publish(broadcast.Event{Type: broadcast.EventSessionStatusChanged, Program: "math", SessionID: "s1", NewStatus: "ongoing"})
	assert.Eventually(t, func() bool { return events.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
