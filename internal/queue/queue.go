package queue

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// ErrFull is returned by a bounded backend that cannot accept more messages.
var ErrFull = errors.New("queue full")

// Message is one serialized event on a topic.
type Message struct {
	Topic string
	Body  []byte
}

// Queue is the relay between event publishers and fan-out consumers.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory is a bounded channel-backed relay for a single process.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	if size <= 0 {
		size = 64
	}
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues msg without blocking; it fails with ErrFull when the
// buffer is exhausted.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrFull
	}
}

// Consume returns a channel for the fan-out loop.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisPubSub relays messages over a Redis pub/sub channel so every API
// replica receives every event.
type RedisPubSub struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

// NewRedisPubSub builds a relay on channel.
func NewRedisPubSub(client *redis.Client, channel string, logger *slog.Logger) *RedisPubSub {
	if channel == "" {
		channel = "liveclass:events"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPubSub{client: client, channel: channel, log: logger}
}

// Publish sends msg to the channel.
func (q *RedisPubSub) Publish(ctx context.Context, msg Message) error {
	return q.client.Publish(ctx, q.channel, serialize(msg)).Err()
}

// Consume subscribes to the channel until ctx is cancelled.
func (q *RedisPubSub) Consume(ctx context.Context) (<-chan Message, error) {
	sub := q.client.Subscribe(ctx, q.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					return
				}
				msg, err := deserialize(m.Payload)
				if err != nil {
					q.log.Warn("dropping malformed relay message", "error", err)
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// serialize stores messages as Topic|Body.
func serialize(msg Message) string {
	return msg.Topic + "|" + string(msg.Body)
}

func deserialize(s string) (Message, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			return Message{Topic: s[:i], Body: []byte(s[i+1:])}, nil
		}
	}
	return Message{}, errors.New("missing topic separator")
}
