package bms

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/temoto/bmsbox/helpers/msync"
)

// Store publishes whole-frame updates as immutable Snapshot values.
// Writers are serialised, readers never block and never see a half applied frame.
type Store struct {
	mu     sync.Mutex
	v      atomic.Value // *Snapshot
	signal msync.Signal
	now    func() time.Time
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	s := &Store{
		signal: msync.NewSignal(),
		now:    now,
	}
	s.v.Store(&Snapshot{FreshAt: now()})
	return s
}

func (s *Store) Load() *Snapshot { return s.v.Load().(*Snapshot) }

// Update applies f to a private copy, stamps freshness, swaps it in and raises new data level.
// f == nil only refreshes freshness.
func (s *Store) Update(f func(*Snapshot)) *Snapshot {
	s.mu.Lock()
	next := s.Load().Clone()
	if f != nil {
		f(next)
	}
	next.FreshAt = s.now()
	s.v.Store(next)
	s.mu.Unlock()
	s.signal.Set()
	return next
}

func (s *Store) FreshAt() time.Time { return s.Load().FreshAt }

// Received blocks until new data level is set or ctx done, consumes the level.
func (s *Store) Received(ctx context.Context) bool { return s.signal.Wait(ctx) }

// PollReceived consumes pending new data level without blocking.
func (s *Store) PollReceived() bool { return s.signal.Poll() }

// DrainReceived forgets pending new data level.
func (s *Store) DrainReceived() { s.signal.Drain() }
