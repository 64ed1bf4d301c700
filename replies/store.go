package replies

import (
	"sync"
	"time"

	"github.com/glimte/mmate-async/contracts"
)

// PendingReply is a reply that arrived and has not been claimed or evicted yet
type PendingReply struct {
	CorrelationID string
	Payload       *contracts.Envelope
	ReceivedAt    time.Time
}

// Age returns how long the reply has been waiting at the given instant
func (p PendingReply) Age(now time.Time) time.Duration {
	return now.Sub(p.ReceivedAt)
}

// Store holds captured replies keyed by correlation id.
//
// Every method is safe for concurrent use; callers never need to hold a lock
// across calls. Put overwrites an existing entry, and TryRemove hands a given
// entry to at most one caller, which is what lets a waiter and the sweeper
// race for the same reply.
type Store struct {
	mu      sync.Mutex
	entries map[string]PendingReply
	waiters map[string]*waiter
	ins     *instruments
}

// waiter is the arrival signal shared by every Await call on one id
type waiter struct {
	ch   chan struct{}
	refs int
}

// NewStore creates an empty correlation store
func NewStore(opts ...Option) (*Store, error) {
	ins, err := newInstruments(newOptions(opts...))
	if err != nil {
		return nil, err
	}

	return &Store{
		entries: make(map[string]PendingReply),
		waiters: make(map[string]*waiter),
		ins:     ins,
	}, nil
}

// Put stores reply under id, replacing any previous entry for the same id,
// and wakes whoever is awaiting it
func (s *Store) Put(id string, reply PendingReply) {
	reply.CorrelationID = id

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[id] = reply
	if w, ok := s.waiters[id]; ok {
		close(w.ch)
		delete(s.waiters, id)
	}
}

// TryRemove removes and returns the entry for id
func (s *Store) TryRemove(id string) (PendingReply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	return reply, ok
}

// removeStale removes the entry for id only if it is still the one captured
// at receivedAt, so a reply re-put after a snapshot survives the sweep
func (s *Store) removeStale(id string, receivedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	reply, ok := s.entries[id]
	if !ok || !reply.ReceivedAt.Equal(receivedAt) {
		return false
	}
	delete(s.entries, id)
	return true
}

// Snapshot returns a copy of the current entries in no particular order
func (s *Store) Snapshot() []PendingReply {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make([]PendingReply, 0, len(s.entries))
	for _, reply := range s.entries {
		values = append(values, reply)
	}
	return values
}

// Len returns the number of stored replies
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// subscribe returns the arrival signal for id; the caller must hold s.mu
func (s *Store) subscribe(id string) *waiter {
	w, ok := s.waiters[id]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		s.waiters[id] = w
	}
	w.refs++
	return w
}

// unsubscribe drops one reference to w unless Put already fired it
func (s *Store) unsubscribe(id string, w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.waiters[id]; ok && current == w {
		w.refs--
		if w.refs == 0 {
			delete(s.waiters, id)
		}
	}
}

// pendingWaiters reports how many ids have registered waiters
func (s *Store) pendingWaiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
