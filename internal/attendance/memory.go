package attendance

import (
	"context"
	"sort"
	"sync"

	"liveclass/internal/apperr"
)

type pairKey struct {
	session     string
	participant string
}

// MemoryRepository is an in-process Repository for dev and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[pairKey]*Record
}

// NewMemoryRepository creates an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[pairKey]*Record)}
}

func (r *MemoryRepository) Get(_ context.Context, sessionID, participantID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[pairKey{sessionID, participantID}]
	if !ok {
		return nil, apperr.NotFound("attendance.get", "no attendance for participant %s in session %s", participantID, sessionID)
	}
	return rec.Clone(), nil
}

func (r *MemoryRepository) Upsert(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[pairKey{rec.SessionID, rec.ParticipantID}] = rec.Clone()
	return nil
}

func (r *MemoryRepository) ListBySession(_ context.Context, sessionID string) ([]*Record, error) {
	return r.list(func(rec *Record) bool { return rec.SessionID == sessionID }), nil
}

func (r *MemoryRepository) ListByParticipant(_ context.Context, participantID string) ([]*Record, error) {
	return r.list(func(rec *Record) bool { return rec.ParticipantID == participantID }), nil
}

func (r *MemoryRepository) list(match func(*Record) bool) []*Record {
	r.mu.RLock()
	var out []*Record
	for _, rec := range r.records {
		if match(rec) {
			out = append(out, rec.Clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}
