// Package push streams broadcast events to browsers and agents over
// WebSocket or Server-Sent Events. Both transports send a "ready" frame once
// the subscription is attached; events published before that are not
// delivered and the client reconciles by polling.
package push

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"liveclass/internal/broadcast"
)

// EventReady is the first frame on every stream.
const EventReady = "ready"

// Subscriber attaches consumers to broadcast topics.
type Subscriber interface {
	Subscribe(topics ...string) *broadcast.Subscription
}

// Options tunes a Handler. Zero values select defaults.
type Options struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	// CheckOrigin guards the WebSocket upgrade. Nil allows every origin.
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

// Frame is the WebSocket envelope.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Handler serves the push endpoints.
type Handler struct {
	src      Subscriber
	upgrader websocket.Upgrader
	ping     time.Duration
	write    time.Duration
	log      *slog.Logger
}

// New creates a push handler reading from src.
func New(src Subscriber, opts Options) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		src: src,
		upgrader: websocket.Upgrader{
			CheckOrigin:      opts.CheckOrigin,
			HandshakeTimeout: 10 * time.Second,
		},
		ping:  opts.PingInterval,
		write: opts.WriteTimeout,
		log:   opts.Logger.With("component", "push"),
	}
}

// Topics selects the program topic from ?program=, or every event.
func Topics(c *gin.Context) []string {
	if p := c.Query("program"); p != "" {
		return []string{broadcast.ProgramTopic(p)}
	}
	return []string{broadcast.TopicAll}
}

// WebSocket upgrades the request and writes events as JSON frames until the
// peer goes away or the broadcaster closes.
func (h *Handler) WebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	topics := Topics(c)
	sub := h.src.Subscribe(topics...)
	defer sub.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The read loop only services control frames; any inbound error ends the stream.
	conn.SetReadLimit(512)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * h.ping))
	})
	_ = conn.SetReadDeadline(time.Now().Add(2 * h.ping))
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.log.Debug("websocket subscriber attached", "topics", topics)
	if err := h.writeFrame(conn, Frame{Event: EventReady, Data: gin.H{"topics": topics}}); err != nil {
		return
	}

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(h.write))
				return
			}
			if err := h.writeFrame(conn, Frame{Event: string(evt.Type), Data: evt}); err != nil {
				h.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.write)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) writeFrame(conn *websocket.Conn, f Frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.write)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}

// Stream serves Server-Sent Events. The SSE event name is the event type.
func (h *Handler) Stream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	topics := Topics(c)
	sub := h.src.Subscribe(topics...)
	defer sub.Close()

	ctx := c.Request.Context()
	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	c.SSEvent(EventReady, gin.H{"topics": topics})
	c.Writer.Flush()

	c.Stream(func(_ io.Writer) bool {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Type), evt)
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().UTC().Unix())
			return true
		case <-ctx.Done():
			return false
		}
	})
}
