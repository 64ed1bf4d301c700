package replies

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-async/tasks"
)

// CleanupTaskName is the name of the sweeper's recurring task
const CleanupTaskName = "CleanupAbandonedReplies"

// Sweeper evicts replies that stayed in the store longer than the max age,
// typically because their waiter already gave up
type Sweeper struct {
	store  *Store
	maxAge atomic.Int64
	task   tasks.Task
	logger *slog.Logger
	now    func() time.Time
	ins    *instruments
}

// NewSweeper creates a sweeper whose schedule comes from factory. It does not
// run until Start is called.
func NewSweeper(store *Store, factory tasks.Factory, maxAge time.Duration, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if factory == nil {
		return nil, ErrNilTaskFactory
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMaxAge, maxAge)
	}

	o := newOptions(opts...)
	if o.logger == nil {
		return nil, ErrNilLogger
	}

	ins, err := newInstruments(o)
	if err != nil {
		return nil, err
	}

	s := &Sweeper{
		store:  store,
		logger: o.logger,
		now:    o.now,
		ins:    ins,
	}
	s.maxAge.Store(int64(maxAge))
	s.task = factory.Create(CleanupTaskName, o.sweepInterval, func(ctx context.Context) error {
		s.SweepOnce(ctx)
		return nil
	})

	return s, nil
}

// Start begins periodic sweeping
func (s *Sweeper) Start() {
	s.task.Start()
}

// Stop ends periodic sweeping, waiting for a sweep in progress. Safe to call repeatedly.
func (s *Sweeper) Stop() {
	s.task.Stop()
}

// MaxAge returns the current eviction threshold
func (s *Sweeper) MaxAge() time.Duration {
	return time.Duration(s.maxAge.Load())
}

// SetMaxAge changes the eviction threshold for subsequent sweeps
func (s *Sweeper) SetMaxAge(maxAge time.Duration) error {
	if maxAge <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidMaxAge, maxAge)
	}
	s.maxAge.Store(int64(maxAge))
	return nil
}

// SweepOnce evicts every reply older than the max age and returns how many
// entries it removed. Entries claimed or replaced concurrently are skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	maxAge := s.MaxAge()
	now := s.now()

	var expired []PendingReply
	for _, reply := range s.store.Snapshot() {
		if reply.Age(now) > maxAge {
			expired = append(expired, reply)
		}
	}

	if len(expired) == 0 {
		return 0
	}

	s.logger.Info(
		fmt.Sprintf("Found %d reply messages whose age exceeded %s - removing them now!", len(expired), maxAge),
		"count", len(expired),
		"maxAge", maxAge,
	)

	removed := 0
	for _, reply := range expired {
		if s.store.removeStale(reply.CorrelationID, reply.ReceivedAt) {
			removed++
		}
	}
	s.ins.evicted.Add(ctx, int64(removed))

	return removed
}
