package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-async/contracts"
	"github.com/glimte/mmate-async/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Publish(ctx context.Context, queue string, envelope *contracts.Envelope) error {
	args := m.Called(ctx, queue, envelope)
	return args.Error(0)
}

func (m *mockTransport) Subscribe(ctx context.Context, queue string, handler DeliveryHandler, options SubscriptionOptions) error {
	args := m.Called(ctx, queue, handler, options)
	return args.Error(0)
}

func (m *mockTransport) Unsubscribe(queue string) error {
	args := m.Called(queue)
	return args.Error(0)
}

func (m *mockTransport) DeclareQueue(ctx context.Context, name string, options QueueOptions) error {
	args := m.Called(ctx, name, options)
	return args.Error(0)
}

func (m *mockTransport) Close() error {
	args := m.Called()
	return args.Error(0)
}

func TestMessagePublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("NewMessagePublisher requires transport", func(t *testing.T) {
		_, err := NewMessagePublisher(nil)
		assert.Error(t, err)
	})

	t.Run("Send publishes envelope to queue", func(t *testing.T) {
		transport := &mockTransport{}
		publisher, err := NewMessagePublisher(transport, WithSource("orders"))
		require.NoError(t, err)

		msg := newPingRequest("hello")
		transport.On("Publish", ctx, "ping.q", mock.MatchedBy(func(env *contracts.Envelope) bool {
			source, _ := env.Header(contracts.HeaderSource)
			return env.ID == msg.GetID() && env.Type == "PingRequest" && source == "orders"
		})).Return(nil).Once()

		assert.NoError(t, publisher.Send(ctx, "ping.q", msg))
		transport.AssertExpectations(t)
	})

	t.Run("Send validates input", func(t *testing.T) {
		publisher, err := NewMessagePublisher(&mockTransport{})
		require.NoError(t, err)

		assert.Error(t, publisher.Send(ctx, "", newPingRequest("x")))
		assert.Error(t, publisher.Send(ctx, "q", nil))
	})

	t.Run("Send retries transient failures", func(t *testing.T) {
		transport := &mockTransport{}
		publisher, err := NewMessagePublisher(transport,
			WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)),
		)
		require.NoError(t, err)

		transport.On("Publish", ctx, "q", mock.Anything).Return(errors.New("channel closed")).Twice()
		transport.On("Publish", ctx, "q", mock.Anything).Return(nil).Once()

		assert.NoError(t, publisher.Send(ctx, "q", newPingRequest("x")))
		transport.AssertNumberOfCalls(t, "Publish", 3)
	})

	t.Run("Send wraps publish failures", func(t *testing.T) {
		transport := &mockTransport{}
		publisher, err := NewMessagePublisher(transport)
		require.NoError(t, err)

		cause := errors.New("broker gone")
		transport.On("Publish", ctx, "q", mock.Anything).Return(cause).Once()

		assert.ErrorIs(t, publisher.Send(ctx, "q", newPingRequest("x")), cause)
	})

	t.Run("Reply addresses reply-to with in-reply-to", func(t *testing.T) {
		transport := &mockTransport{}
		publisher, err := NewMessagePublisher(transport)
		require.NoError(t, err)

		request := &contracts.Envelope{
			ID:      "req-1",
			Type:    "PingRequest",
			ReplyTo: "client.replies",
			Headers: map[string]interface{}{contracts.HeaderCorrelationID: "request-reply;abc"},
		}

		var published *contracts.Envelope
		transport.On("Publish", ctx, "client.replies", mock.Anything).
			Run(func(args mock.Arguments) { published = args.Get(2).(*contracts.Envelope) }).
			Return(nil).Once()

		reply := newPongReply("pong")
		require.NoError(t, publisher.Reply(ctx, request, reply))

		require.NotNil(t, published)
		inReplyTo, ok := published.InReplyTo()
		assert.True(t, ok)
		assert.Equal(t, "request-reply;abc", inReplyTo)
		assert.Equal(t, "request-reply;abc", published.CorrelationID)
		assert.Equal(t, "request-reply;abc", reply.GetCorrelationID())
	})

	t.Run("Reply falls back to header reply-to and envelope correlation id", func(t *testing.T) {
		transport := &mockTransport{}
		publisher, err := NewMessagePublisher(transport)
		require.NoError(t, err)

		request := &contracts.Envelope{
			ID:            "req-1",
			CorrelationID: "request-reply;xyz",
			Headers:       map[string]interface{}{contracts.HeaderReplyTo: []byte("client.replies")},
		}
		transport.On("Publish", ctx, "client.replies", mock.MatchedBy(func(env *contracts.Envelope) bool {
			inReplyTo, _ := env.InReplyTo()
			return inReplyTo == "request-reply;xyz"
		})).Return(nil).Once()

		assert.NoError(t, publisher.Reply(ctx, request, newPongReply("pong")))
		transport.AssertExpectations(t)
	})

	t.Run("Reply without reply-to fails", func(t *testing.T) {
		publisher, err := NewMessagePublisher(&mockTransport{})
		require.NoError(t, err)

		err = publisher.Reply(ctx, &contracts.Envelope{ID: "req-1"}, newPongReply("pong"))
		assert.ErrorIs(t, err, ErrNoReplyAddress)
	})
}
