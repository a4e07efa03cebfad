// Package broadcast fans session and attendance events out to subscribers
// grouped by program topic. Delivery is best-effort and at-most-once: a
// subscriber that attaches late, or falls behind, misses events for good and
// reconciles by polling.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"liveclass/internal/metrics"
	"liveclass/internal/queue"
)

// EventType names a push event.
type EventType string

const (
	EventSessionStatusChanged EventType = "session-status-changed"
	EventSessionCreated       EventType = "session-created"
	EventSessionUpdated       EventType = "session-updated"
	EventAttendanceChanged    EventType = "attendance-changed"
)

// TopicAll receives every event.
const TopicAll = "all"

// ProgramTopic is the topic for one program.
func ProgramTopic(program string) string {
	return "program:" + program
}

const relayTopic = "events"

// Event is the payload delivered to subscribers.
type Event struct {
	Type             EventType `json:"type"`
	Program          string    `json:"program"`
	SessionID        string    `json:"session_id"`
	ParticipantID    string    `json:"participant_id,omitempty"`
	OldStatus        string    `json:"old_status,omitempty"`
	NewStatus        string    `json:"new_status,omitempty"`
	RemainingSeconds *int64    `json:"remaining_seconds,omitempty"`
	Classification   string    `json:"classification,omitempty"`
	Data             any       `json:"data,omitempty"`
	At               time.Time `json:"at"`
}

// Topics returns the topics the event is delivered on.
func (e Event) Topics() []string {
	if e.Program == "" {
		return []string{TopicAll}
	}
	return []string{TopicAll, ProgramTopic(e.Program)}
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(evt Event)
}

// Options tunes a Broadcaster. Zero values select defaults.
type Options struct {
	PendingSize    int
	SubscriberSize int
	RelayTimeout   time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// Broadcaster implements Publisher. Events pass through a bounded pending
// buffer, then through the relay queue, then to local subscribers.
type Broadcaster struct {
	relay   queue.Queue
	pending chan Event
	subSize int
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a broadcaster relaying through q. A nil q fans out directly.
func New(q queue.Queue, opts Options) *Broadcaster {
	if opts.PendingSize <= 0 {
		opts.PendingSize = 256
	}
	if opts.SubscriberSize <= 0 {
		opts.SubscriberSize = 32
	}
	if opts.RelayTimeout <= 0 {
		opts.RelayTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Broadcaster{
		relay:   q,
		pending: make(chan Event, opts.PendingSize),
		subSize: opts.SubscriberSize,
		timeout: opts.RelayTimeout,
		log:     opts.Logger.With("component", "broadcaster"),
		metrics: opts.Metrics,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Start launches the dispatch and fan-out loops.
func (b *Broadcaster) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if b.relay != nil {
		in, err := b.relay.Consume(ctx)
		if err != nil {
			cancel()
			return err
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.consume(in)
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatch(ctx)
	}()
	return nil
}

// Publish enqueues evt. It never blocks; a full buffer drops the event.
func (b *Broadcaster) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	select {
	case b.pending <- evt:
		b.metrics.Published(string(evt.Type))
	default:
		b.metrics.Dropped("pending_full")
		b.log.Warn("broadcast buffer full, dropping event", "type", evt.Type, "session_id", evt.SessionID)
	}
}

// Subscribe attaches a subscriber to topics. With no topics it receives
// everything.
func (b *Broadcaster) Subscribe(topics ...string) *Subscription {
	if len(topics) == 0 {
		topics = []string{TopicAll}
	}
	sub := &Subscription{
		ch:     make(chan Event, b.subSize),
		topics: make(map[string]bool, len(topics)),
		parent: b,
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.done = true
		return sub
	}
	b.subs[sub] = struct{}{}
	b.metrics.SubscriberDelta(1)
	return sub
}

// SubscriberCount reports attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops the loops and closes every subscription.
func (b *Broadcaster) Close() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.done = true
		close(sub.ch)
		b.metrics.SubscriberDelta(-1)
	}
	b.subs = map[*Subscription]struct{}{}
}

func (b *Broadcaster) dispatch(ctx context.Context) {
	for {
		select {
		case evt := <-b.pending:
			if b.relay == nil {
				b.fanout(evt)
				continue
			}
			body, err := json.Marshal(evt)
			if err != nil {
				b.metrics.Dropped("encode")
				b.log.Error("encoding event", "type", evt.Type, "error", err)
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, b.timeout)
			err = b.relay.Publish(rctx, queue.Message{Topic: relayTopic, Body: body})
			cancel()
			if err != nil {
				b.metrics.Dropped("relay")
				b.log.Warn("relay publish failed", "type", evt.Type, "session_id", evt.SessionID, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broadcaster) consume(in <-chan queue.Message) {
	for msg := range in {
		if msg.Topic != relayTopic {
			continue
		}
		var evt Event
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			b.metrics.Dropped("decode")
			b.log.Warn("decoding relayed event", "error", err)
			continue
		}
		b.fanout(evt)
	}
}

func (b *Broadcaster) fanout(evt Event) {
	topics := evt.Topics()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.wants(topics) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.metrics.Dropped("subscriber_full")
		}
	}
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.done {
		return
	}
	sub.done = true
	delete(b.subs, sub)
	close(sub.ch)
	b.metrics.SubscriberDelta(-1)
}

// Subscription is one attached consumer.
type Subscription struct {
	ch     chan Event
	topics map[string]bool
	parent *Broadcaster
	done   bool // guarded by parent.mu
}

// C delivers events until the subscription or broadcaster closes.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() { s.parent.remove(s) }

func (s *Subscription) wants(topics []string) bool {
	for _, t := range topics {
		if s.topics[t] {
			return true
		}
	}
	return false
}
