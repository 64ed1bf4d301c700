package messaging

import (
	"encoding/json"
	"testing"

	"github.com/glimte/mmate-async/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingRequest struct {
	contracts.BaseMessage
	Text string `json:"text"`
}

func newPingRequest(text string) *pingRequest {
	return &pingRequest{
		BaseMessage: contracts.NewBaseMessage("PingRequest"),
		Text:        text,
	}
}

type pongReply struct {
	contracts.BaseReply
	Text string `json:"text"`
}

func newPongReply(text string) *pongReply {
	return &pongReply{
		BaseReply: contracts.NewBaseReply("PongReply"),
		Text:      text,
	}
}

func TestEnvelopeFactory(t *testing.T) {
	t.Run("CreateEnvelope sets standard headers", func(t *testing.T) {
		factory := NewEnvelopeFactory("orders-service")
		msg := newPingRequest("hello")
		msg.SetCorrelationID("corr-1")

		env, err := factory.CreateEnvelope(msg)
		require.NoError(t, err)

		assert.Equal(t, msg.GetID(), env.ID)
		assert.Equal(t, "PingRequest", env.Type)
		assert.Equal(t, "corr-1", env.CorrelationID)
		assert.NotEmpty(t, env.Timestamp)

		id, _ := env.Header(contracts.HeaderMessageID)
		assert.Equal(t, msg.GetID(), id)
		corr, _ := env.Header(contracts.HeaderCorrelationID)
		assert.Equal(t, "corr-1", corr)
		source, _ := env.Header(contracts.HeaderSource)
		assert.Equal(t, "orders-service", source)

		var decoded pingRequest
		require.NoError(t, json.Unmarshal(env.Body, &decoded))
		assert.Equal(t, "hello", decoded.Text)
	})

	t.Run("CreateEnvelope applies options", func(t *testing.T) {
		factory := NewEnvelopeFactory("")
		env, err := factory.CreateEnvelope(newPingRequest("x"),
			WithEnvelopeReplyTo("replies.q"),
			WithEnvelopeInReplyTo("request-reply;abc"),
			WithEnvelopeHeaders(map[string]interface{}{"tenant": "acme"}),
		)
		require.NoError(t, err)

		assert.Equal(t, "replies.q", env.ReplyTo)
		inReplyTo, ok := env.InReplyTo()
		assert.True(t, ok)
		assert.Equal(t, "request-reply;abc", inReplyTo)
		tenant, _ := env.Header("tenant")
		assert.Equal(t, "acme", tenant)
		_, hasSource := env.Header(contracts.HeaderSource)
		assert.False(t, hasSource)
	})

	t.Run("CreateEnvelope rejects nil message", func(t *testing.T) {
		_, err := NewEnvelopeFactory("svc").CreateEnvelope(nil)
		assert.Error(t, err)
	})
}
