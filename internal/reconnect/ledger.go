// Package reconnect keeps a client-side ledger of sessions the local
// participant has joined, so that a restarted agent can rejoin them as
// reconnects. The ledger is an explicit object backed by a LedgerStore the
// embedding application chooses.
package reconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Entry is one joined session.
type Entry struct {
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	JoinedAt      time.Time `json:"joined_at"`
}

func (e Entry) key() string { return e.SessionID + "/" + e.ParticipantID }

// LedgerStore persists ledger entries.
type LedgerStore interface {
	Load(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, entries []Entry) error
}

// Ledger is the in-process view of the joined sessions. Every change is
// written through to the store.
type Ledger struct {
	store LedgerStore

	mu      sync.Mutex
	entries map[string]Entry
}

// NewLedger loads the ledger from store.
func NewLedger(ctx context.Context, store LedgerStore) (*Ledger, error) {
	loaded, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading reconnect ledger: %w", err)
	}
	l := &Ledger{store: store, entries: make(map[string]Entry, len(loaded))}
	for _, e := range loaded {
		l.entries[e.key()] = e
	}
	return l, nil
}

// Add records e, replacing any entry for the same pair.
func (l *Ledger) Add(ctx context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[e.key()] = e
	return l.saveLocked(ctx)
}

// Remove drops the entry for the pair. Removing an absent entry is a no-op.
func (l *Ledger) Remove(ctx context.Context, sessionID, participantID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := Entry{SessionID: sessionID, ParticipantID: participantID}.key()
	if _, ok := l.entries[k]; !ok {
		return nil
	}
	delete(l.entries, k)
	return l.saveLocked(ctx)
}

// RemoveSession drops every entry for sessionID and reports how many went.
func (l *Ledger) RemoveSession(ctx context.Context, sessionID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.entries {
		if e.SessionID == sessionID {
			delete(l.entries, k)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, l.saveLocked(ctx)
}

// Entries returns the entries ordered by session then participant.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked()
}

func (l *Ledger) sortedLocked() []Entry {
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return out
}

func (l *Ledger) saveLocked(ctx context.Context) error {
	if err := l.store.Save(ctx, l.sortedLocked()); err != nil {
		return fmt.Errorf("saving reconnect ledger: %w", err)
	}
	return nil
}

// MemoryStore keeps entries in process. It survives nothing; it serves
// tests and embedders that persist elsewhere.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *MemoryStore) Load(context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...), nil
}

func (m *MemoryStore) Save(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append([]Entry(nil), entries...)
	return nil
}

// FileStore keeps entries as a JSON array in one file. Writes go to a
// temporary file that is renamed into place.
type FileStore struct {
	Path string
}

func (f FileStore) Load(context.Context) ([]Entry, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, nil
	}
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.Path, err)
	}
	return entries, nil
}

func (f FileStore) Save(_ context.Context, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}
