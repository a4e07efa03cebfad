package session

import (
	"context"
	"sort"
	"sync"

	"liveclass/internal/apperr"
)

// MemoryRepository is an in-process Repository used in dev and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryRepository creates an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{sessions: make(map[string]*Session)}
}

func (r *MemoryRepository) Insert(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return apperr.Conflict("session.insert", "session %s already exists", s.ID)
	}
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, apperr.NotFound("session.get", "session %s not found", id)
	}
	return s.Clone(), nil
}

func (r *MemoryRepository) Update(_ context.Context, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; !ok {
		return apperr.NotFound("session.update", "session %s not found", s.ID)
	}
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*Session, error) {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if f.Matches(s) {
			out = append(out, s.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledStart.Equal(out[j].ScheduledStart) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledStart.Before(out[j].ScheduledStart)
	})
	return out, nil
}
