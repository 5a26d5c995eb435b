// Package keylock serializes work per key and tracks work still in flight.
//
// Every mutation for one (user, character) pair runs under the same key, so
// two turns for that pair never interleave, while different pairs proceed in
// parallel.
package keylock

import (
	"context"
	"sync"
)

// Key builds the serialization key for a user and character.
func Key(userID, characterName string) string {
	return userID + "\x00" + characterName
}

// Map is a set of mutexes created on demand and released when unused.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{} // buffered(1); holding the token means holding the lock
	refs int
}

// New returns an empty Map.
func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

func (m *Map) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	return e
}

func (m *Map) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
}

// Lock blocks until key is held or ctx is done. The returned func unlocks.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	e := m.acquire(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			m.release(key, e)
		})
	}, nil
}

// Do runs fn while holding key.
func (m *Map) Do(ctx context.Context, key string, fn func() error) error {
	unlock, err := m.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Tracker counts outstanding work per key so readers can wait for writes
// queued before them to settle.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]int
	waiters map[string][]chan struct{}
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		pending: make(map[string]int),
		waiters: make(map[string][]chan struct{}),
	}
}

// Add registers n units of outstanding work for key.
func (t *Tracker) Add(key string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[key] += n
}

// Done marks one unit of work for key finished.
func (t *Tracker) Done(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[key] <= 0 {
		return
	}
	t.pending[key]--
	if t.pending[key] == 0 {
		delete(t.pending, key)
		for _, ch := range t.waiters[key] {
			close(ch)
		}
		delete(t.waiters, key)
	}
}

// Pending reports the outstanding work for key.
func (t *Tracker) Pending(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[key]
}

// Reset drops whatever is recorded for key and releases its waiters. It is
// used when an authoritative source reports the key settled.
func (t *Tracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, key)
	for _, ch := range t.waiters[key] {
		close(ch)
	}
	delete(t.waiters, key)
}

// Wait blocks until key has no outstanding work or ctx is done.
func (t *Tracker) Wait(ctx context.Context, key string) error {
	t.mu.Lock()
	if t.pending[key] == 0 {
		t.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	t.waiters[key] = append(t.waiters[key], ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		t.forget(key, ch)
		return ctx.Err()
	}
}

func (t *Tracker) forget(key string, ch chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws := t.waiters[key]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(t.waiters, key)
	} else {
		t.waiters[key] = ws
	}
}
