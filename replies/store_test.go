package replies

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestStore(t *testing.T) {
	t.Run("Put then TryRemove returns the reply once", func(t *testing.T) {
		store := newTestStore(t)
		env := replyEnvelope("request-reply;1")
		at := time.Now()

		store.Put("request-reply;1", PendingReply{Payload: env, ReceivedAt: at})

		reply, ok := store.TryRemove("request-reply;1")
		require.True(t, ok)
		assert.Equal(t, "request-reply;1", reply.CorrelationID)
		assert.Same(t, env, reply.Payload)
		assert.Equal(t, at, reply.ReceivedAt)

		_, ok = store.TryRemove("request-reply;1")
		assert.False(t, ok)
		assert.Zero(t, store.Len())
	})

	t.Run("Put overwrites an existing key", func(t *testing.T) {
		store := newTestStore(t)
		first := replyEnvelope("request-reply;dup")
		second := replyEnvelope("request-reply;dup")

		store.Put("request-reply;dup", PendingReply{Payload: first})
		store.Put("request-reply;dup", PendingReply{Payload: second})

		assert.Equal(t, 1, store.Len())
		reply, ok := store.TryRemove("request-reply;dup")
		require.True(t, ok)
		assert.Same(t, second, reply.Payload)
	})

	t.Run("TryRemove on missing key", func(t *testing.T) {
		store := newTestStore(t)

		_, ok := store.TryRemove("request-reply;nope")
		assert.False(t, ok)
	})

	t.Run("Snapshot is a copy", func(t *testing.T) {
		store := newTestStore(t)
		store.Put("request-reply;a", PendingReply{})
		store.Put("request-reply;b", PendingReply{})

		snapshot := store.Snapshot()
		store.TryRemove("request-reply;a")

		assert.Len(t, snapshot, 2)
		assert.Equal(t, 1, store.Len())

		ids := []string{snapshot[0].CorrelationID, snapshot[1].CorrelationID}
		assert.ElementsMatch(t, []string{"request-reply;a", "request-reply;b"}, ids)
	})

	t.Run("PendingReply age", func(t *testing.T) {
		at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		reply := PendingReply{ReceivedAt: at}

		assert.Equal(t, 3*time.Second, reply.Age(at.Add(3*time.Second)))
	})
}

func TestStoreConcurrency(t *testing.T) {
	t.Run("concurrent puts on one key leave exactly one payload", func(t *testing.T) {
		for round := 0; round < 50; round++ {
			store := newTestStore(t)
			a := replyEnvelope("request-reply;race")
			b := replyEnvelope("request-reply;race")

			var g errgroup.Group
			g.Go(func() error {
				store.Put("request-reply;race", PendingReply{Payload: a})
				return nil
			})
			g.Go(func() error {
				store.Put("request-reply;race", PendingReply{Payload: b})
				return nil
			})
			require.NoError(t, g.Wait())

			assert.Equal(t, 1, store.Len())
			reply, ok := store.TryRemove("request-reply;race")
			require.True(t, ok)
			assert.True(t, reply.Payload == a || reply.Payload == b)
		}
	})

	t.Run("concurrent TryRemove has a single winner", func(t *testing.T) {
		store := newTestStore(t)
		store.Put("request-reply;claim", PendingReply{})

		var winners atomic.Int32
		var g errgroup.Group
		for i := 0; i < 16; i++ {
			g.Go(func() error {
				if _, ok := store.TryRemove("request-reply;claim"); ok {
					winners.Add(1)
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, int32(1), winners.Load())
	})

	t.Run("snapshot while mutating", func(t *testing.T) {
		store := newTestStore(t)
		var wg sync.WaitGroup

		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					id := fmt.Sprintf("request-reply;%d-%d", w, i)
					store.Put(id, PendingReply{})
					store.TryRemove(id)
				}
			}(w)
		}

		for i := 0; i < 100; i++ {
			assert.NotPanics(t, func() { store.Snapshot() })
		}
		wg.Wait()

		assert.Zero(t, store.Len())
	})
}
