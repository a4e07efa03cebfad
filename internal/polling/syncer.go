// Package polling reconciles client state with the server on a fixed
// interval. It is the fallback for missed push events: the push channel is
// best-effort, the poll is authoritative.
package polling

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is the poll cadence when none is configured.
const DefaultInterval = 30 * time.Second

// Options tunes a Syncer. Zero values select defaults.
type Options struct {
	Interval time.Duration
	// FetchTimeout bounds one fetch, including the one in flight at shutdown.
	FetchTimeout time.Duration
	Name         string
	Logger       *slog.Logger
}

// Syncer fetches authoritative state and hands it to apply. It never
// writes to the server.
type Syncer[T any] struct {
	fetch    func(ctx context.Context) (T, error)
	apply    func(T)
	interval time.Duration
	timeout  time.Duration
	trigger  chan struct{}
	log      *slog.Logger
}

// New creates a syncer.
func New[T any](fetch func(ctx context.Context) (T, error), apply func(T), opts Options) *Syncer[T] {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = opts.Interval
	}
	if opts.Name == "" {
		opts.Name = "poll"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Syncer[T]{
		fetch:    fetch,
		apply:    apply,
		interval: opts.Interval,
		timeout:  opts.FetchTimeout,
		trigger:  make(chan struct{}, 1),
		log:      opts.Logger.With("component", "polling", "syncer", opts.Name),
	}
}

// Trigger requests an immediate refresh. Requests made while one is already
// pending collapse into it.
func (s *Syncer[T]) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run polls once immediately and then on every tick or trigger until ctx
// is cancelled. A fetch in flight when ctx is cancelled is allowed to
// finish, bounded by the fetch timeout.
func (s *Syncer[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.poll(ctx)
		case <-s.trigger:
			s.poll(ctx)
			ticker.Reset(s.interval)
		}
	}
}

func (s *Syncer[T]) poll(ctx context.Context) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	v, err := s.fetch(fctx)
	if err != nil {
		s.log.Warn("poll failed", "error", err)
		return
	}
	s.apply(v)
}
