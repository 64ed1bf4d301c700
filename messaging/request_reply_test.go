package messaging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glimte/mmate-async/contracts"
	"github.com/glimte/mmate-async/messaging"
	"github.com/glimte/mmate-async/replies"
	"github.com/glimte/mmate-async/transports/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoRequest struct {
	contracts.BaseMessage
	Text string `json:"text"`
}

type echoReply struct {
	contracts.BaseReply
	Text string `json:"text"`
}

type harness struct {
	transport *inmemory.Transport
	store     *replies.Store
	client    *messaging.RequestClient
	responder *messaging.Responder
}

func newHarness(t *testing.T, opts ...messaging.RequestClientOption) *harness {
	t.Helper()
	ctx := context.Background()

	transport := inmemory.NewTransport()
	t.Cleanup(func() { transport.Close() })

	publisher, err := messaging.NewMessagePublisher(transport)
	require.NoError(t, err)

	store, err := replies.NewStore()
	require.NoError(t, err)
	replyInterceptor, err := replies.NewReplyInterceptor(store)
	require.NoError(t, err)

	// requester side
	clientSubscriber, err := messaging.NewMessageSubscriber(transport, messaging.NewMessageDispatcher(),
		messaging.WithReplyInterceptor(replyInterceptor),
	)
	require.NoError(t, err)
	require.NoError(t, clientSubscriber.Subscribe(ctx, "client.replies"))

	client, err := messaging.NewRequestClient(publisher, store, "client.replies", opts...)
	require.NoError(t, err)

	// responder side
	dispatcher := messaging.NewMessageDispatcher()
	responder, err := messaging.NewResponder(dispatcher, publisher)
	require.NoError(t, err)
	serverSubscriber, err := messaging.NewMessageSubscriber(transport, dispatcher)
	require.NoError(t, err)
	require.NoError(t, serverSubscriber.Subscribe(ctx, "echo.q"))

	return &harness{transport: transport, store: store, client: client, responder: responder}
}

func newEchoRequest(text string) *echoRequest {
	return &echoRequest{BaseMessage: contracts.NewBaseMessage("EchoRequest"), Text: text}
}

func TestRequestClient(t *testing.T) {
	t.Run("constructor validation", func(t *testing.T) {
		transport := inmemory.NewTransport()
		defer transport.Close()
		publisher, err := messaging.NewMessagePublisher(transport)
		require.NoError(t, err)
		store, err := replies.NewStore()
		require.NoError(t, err)

		_, err = messaging.NewRequestClient(nil, store, "q")
		assert.Error(t, err)
		_, err = messaging.NewRequestClient(publisher, nil, "q")
		assert.ErrorIs(t, err, replies.ErrNilStore)
		_, err = messaging.NewRequestClient(publisher, store, "")
		assert.Error(t, err)
	})

	t.Run("request receives the correlated reply", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.responder.HandleRequest("EchoRequest", func(_ context.Context, request *contracts.Envelope) (contracts.Message, error) {
			var req echoRequest
			if err := request.Decode(&req); err != nil {
				return nil, err
			}
			return &echoReply{BaseReply: contracts.NewBaseReply("EchoReply"), Text: req.Text}, nil
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		request := newEchoRequest("hello")
		envelope, err := h.client.Request(ctx, "echo.q", request)
		require.NoError(t, err)

		assert.Equal(t, "EchoReply", envelope.Type)
		assert.True(t, replies.IsRequestReplyID(request.GetCorrelationID()))
		inReplyTo, _ := envelope.InReplyTo()
		assert.Equal(t, request.GetCorrelationID(), inReplyTo)

		var reply echoReply
		require.NoError(t, envelope.Decode(&reply))
		assert.Equal(t, "hello", reply.Text)
		assert.Equal(t, 0, h.store.Len())
	})

	t.Run("RequestAndDecode", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.responder.HandleRequest("EchoRequest", func(context.Context, *contracts.Envelope) (contracts.Message, error) {
			return &echoReply{BaseReply: contracts.NewBaseReply("EchoReply"), Text: "decoded"}, nil
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		reply, err := messaging.RequestAndDecode[echoReply](ctx, h.client, "echo.q", newEchoRequest("x"))
		require.NoError(t, err)
		assert.Equal(t, "decoded", reply.Text)
		assert.True(t, reply.IsSuccess())
	})

	t.Run("handler errors come back as ErrRemoteFailure", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.responder.HandleRequest("EchoRequest", func(context.Context, *contracts.Envelope) (contracts.Message, error) {
			return nil, errors.New("database unavailable")
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_, err := h.client.Request(ctx, "echo.q", newEchoRequest("x"))
		assert.ErrorIs(t, err, messaging.ErrRemoteFailure)
		assert.Contains(t, err.Error(), "database unavailable")
		assert.Contains(t, err.Error(), messaging.HandlerErrorCode)
	})

	t.Run("times out without a responder", func(t *testing.T) {
		h := newHarness(t, messaging.WithRequestTimeout(50*time.Millisecond))

		_, err := h.client.Request(context.Background(), "nobody.q", newEchoRequest("x"))
		assert.ErrorIs(t, err, replies.ErrReplyTimeout)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("concurrent requests get their own replies", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.responder.HandleRequest("EchoRequest", func(_ context.Context, request *contracts.Envelope) (contracts.Message, error) {
			var req echoRequest
			if err := request.Decode(&req); err != nil {
				return nil, err
			}
			return &echoReply{BaseReply: contracts.NewBaseReply("EchoReply"), Text: req.Text}, nil
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		texts := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
		results := make(chan error, len(texts))
		for _, text := range texts {
			go func(text string) {
				reply, err := messaging.RequestAndDecode[echoReply](ctx, h.client, "echo.q", newEchoRequest(text))
				if err == nil && reply.Text != text {
					err = errors.New("got reply " + reply.Text + " for request " + text)
				}
				results <- err
			}(text)
		}

		for range texts {
			assert.NoError(t, <-results)
		}
	})
}
