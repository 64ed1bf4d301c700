package replies

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-async/contracts"
	"github.com/glimte/mmate-async/tasks"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// manualTask records lifecycle calls and runs only when told to
type manualTask struct {
	mu       sync.Mutex
	name     string
	interval time.Duration
	fn       tasks.Func
	starts   int
	stops    int
}

func (t *manualTask) Name() string { return t.name }

func (t *manualTask) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.starts++
}

func (t *manualTask) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
}

func (t *manualTask) tick(ctx context.Context) error {
	return t.fn(ctx)
}

type manualFactory struct {
	tasks []*manualTask
}

func (f *manualFactory) Create(name string, interval time.Duration, fn tasks.Func) tasks.Task {
	task := &manualTask{name: name, interval: interval, fn: fn}
	f.tasks = append(f.tasks, task)
	return task
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newCapturingLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo})), buf
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore()
	require.NoError(t, err)
	return store
}

func replyEnvelope(inReplyTo string) *contracts.Envelope {
	env := &contracts.Envelope{
		ID:   "reply-" + inReplyTo,
		Type: "Pong",
		Body: []byte(`{"type":"Pong"}`),
	}
	if inReplyTo != "" {
		env.SetHeader(contracts.HeaderInReplyTo, inReplyTo)
	}
	return env
}
