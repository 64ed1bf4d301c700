package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/mmate-async/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, envelope *contracts.Envelope) error {
	args := m.Called(ctx, envelope)
	return args.Error(0)
}

func TestMessageDispatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("routes by envelope type", func(t *testing.T) {
		d := NewMessageDispatcher()
		ping := &mockHandler{}
		other := &mockHandler{}
		require.NoError(t, d.Register("PingRequest", ping))
		require.NoError(t, d.Register("OtherRequest", other))

		env := &contracts.Envelope{ID: "m1", Type: "PingRequest"}
		ping.On("Handle", ctx, env).Return(nil).Once()

		assert.NoError(t, d.Handle(ctx, env))
		ping.AssertExpectations(t)
		other.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})

	t.Run("unknown type returns ErrNoHandler", func(t *testing.T) {
		d := NewMessageDispatcher()
		err := d.Handle(ctx, &contracts.Envelope{ID: "m1", Type: "Nope"})
		assert.ErrorIs(t, err, ErrNoHandler)
	})

	t.Run("handler errors are wrapped", func(t *testing.T) {
		d := NewMessageDispatcher()
		cause := errors.New("boom")
		require.NoError(t, d.RegisterFunc("PingRequest", func(context.Context, *contracts.Envelope) error {
			return cause
		}))

		err := d.Handle(ctx, &contracts.Envelope{ID: "m1", Type: "PingRequest"})
		assert.ErrorIs(t, err, cause)
	})

	t.Run("registration validation", func(t *testing.T) {
		d := NewMessageDispatcher()
		assert.Error(t, d.Register("", &mockHandler{}))
		assert.Error(t, d.Register("PingRequest", nil))
		assert.Error(t, d.RegisterFunc("PingRequest", nil))

		require.NoError(t, d.Register("PingRequest", &mockHandler{}))
		assert.Error(t, d.Register("PingRequest", &mockHandler{}))
	})

	t.Run("unregister", func(t *testing.T) {
		d := NewMessageDispatcher()
		require.NoError(t, d.Register("B", &mockHandler{}))
		require.NoError(t, d.Register("A", &mockHandler{}))
		assert.Equal(t, []string{"A", "B"}, d.RegisteredTypes())

		require.NoError(t, d.Unregister("A"))
		assert.Equal(t, []string{"B"}, d.RegisteredTypes())
		assert.ErrorIs(t, d.Unregister("A"), ErrNoHandler)
	})
}
