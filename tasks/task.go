package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Func is the body of a recurring task. A returned error is reported by the
// task runner; it does not stop the schedule.
type Func func(ctx context.Context) error

// Task is a named recurring background activity
type Task interface {
	// Name returns the task name used in logs
	Name() string

	// Start begins the schedule. Calling Start more than once has no effect.
	Start()

	// Stop ends the schedule and waits for an in-flight run to finish.
	// It is safe to call Stop several times, and before Start.
	Stop()
}

// Factory creates recurring tasks
type Factory interface {
	Create(name string, interval time.Duration, fn Func) Task
}

// TickerFactory creates tasks driven by a time.Ticker
type TickerFactory struct {
	logger *slog.Logger
}

// FactoryOption configures the TickerFactory
type FactoryOption func(*TickerFactory)

// WithLogger sets the logger used to report task faults
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *TickerFactory) {
		f.logger = logger
	}
}

// NewTickerFactory creates a new ticker based task factory
func NewTickerFactory(options ...FactoryOption) *TickerFactory {
	f := &TickerFactory{
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(f)
	}

	return f
}

// DefaultInterval replaces a non-positive interval passed to Create
const DefaultInterval = 10 * time.Second

// Create implements Factory
func (f *TickerFactory) Create(name string, interval time.Duration, fn Func) Task {
	if interval <= 0 {
		f.logger.Warn("non-positive task interval, using default",
			"task", name,
			"interval", interval,
			"default", DefaultInterval,
		)
		interval = DefaultInterval
	}

	return &tickerTask{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   f.logger,
		done:     make(chan struct{}),
	}
}

type tickerTask struct {
	name     string
	interval time.Duration
	fn       Func
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func (t *tickerTask) Name() string {
	return t.name
}

func (t *tickerTask) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started || t.stopped {
		return
	}
	t.started = true

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.logger.Debug("starting periodic task", "task", t.name, "interval", t.interval)
	go t.loop(ctx)
}

func (t *tickerTask) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	started := t.started
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	if !started {
		return
	}

	<-t.done
	t.logger.Debug("periodic task stopped", "task", t.name)
}

func (t *tickerTask) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if err := t.run(ctx); err != nil {
				t.logger.Error("periodic task failed",
					"task", t.name,
					"error", err,
				)
			}
		}
	}
}

// run executes one tick, converting a panic into an error so a faulty body
// cannot take the process down
func (t *tickerTask) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()

	return t.fn(ctx)
}
