// Package lock provides a mutex per string key. Entries are reference counted
// and dropped when the last holder unlocks, so the map does not grow with
// every session or participant ever seen.
package lock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Keyed serializes work per key while leaving different keys independent.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewKeyed creates an empty lock table.
func NewKeyed() *Keyed {
	return &Keyed{entries: make(map[string]*entry)}
}

// Lock blocks until key is held and returns its unlock func.
func (k *Keyed) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.entries, key)
			}
			k.mu.Unlock()
		})
	}
}

// Len reports how many keys are held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

type rwEntry struct {
	mu   sync.RWMutex
	refs int
}

// KeyedRW is the reader/writer variant of Keyed.
type KeyedRW struct {
	mu      sync.Mutex
	entries map[string]*rwEntry
}

// NewKeyedRW creates an empty lock table.
func NewKeyedRW() *KeyedRW {
	return &KeyedRW{entries: make(map[string]*rwEntry)}
}

func (k *KeyedRW) acquire(key string) *rwEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &rwEntry{}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedRW) release(key string, e *rwEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// Lock takes key exclusively.
func (k *KeyedRW) Lock(key string) (unlock func()) {
	e := k.acquire(key)
	e.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.release(key, e)
		})
	}
}

// RLock takes key shared.
func (k *KeyedRW) RLock(key string) (unlock func()) {
	e := k.acquire(key)
	e.mu.RLock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.RUnlock()
			k.release(key, e)
		})
	}
}
