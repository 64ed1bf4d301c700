package replies

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-async/contracts"
	"github.com/glimte/mmate-async/interceptors"
)

// ReplyInterceptorName is the name the reply interceptor reports in a chain
const ReplyInterceptorName = "ReplyInterceptor"

// ReplyInterceptor diverts replies to awaited requests into the store.
//
// It must run ahead of handler dispatch. A captured reply never reaches the
// rest of the chain.
type ReplyInterceptor struct {
	store  *Store
	logger *slog.Logger
	now    func() time.Time
	ins    *instruments
}

var _ interceptors.Interceptor = (*ReplyInterceptor)(nil)

// NewReplyInterceptor creates the interceptor that feeds store
func NewReplyInterceptor(store *Store, opts ...Option) (*ReplyInterceptor, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	o := newOptions(opts...)
	if o.logger == nil {
		return nil, ErrNilLogger
	}

	ins, err := newInstruments(o)
	if err != nil {
		return nil, err
	}

	return &ReplyInterceptor{
		store:  store,
		logger: o.logger,
		now:    o.now,
		ins:    ins,
	}, nil
}

// Intercept implements interceptors.Interceptor
func (i *ReplyInterceptor) Intercept(ctx context.Context, env *contracts.Envelope, next interceptors.Handler) error {
	inReplyTo, ok := env.InReplyTo()
	if !ok || !IsRequestReplyID(inReplyTo) {
		return next.Handle(ctx, env)
	}

	i.store.Put(inReplyTo, PendingReply{
		Payload:    env,
		ReceivedAt: i.now(),
	})
	i.ins.captured.Add(ctx, 1)

	i.logger.Debug("captured reply",
		"correlationId", inReplyTo,
		"messageId", env.ID,
		"messageType", env.Type,
	)

	return nil
}

// Name implements interceptors.Interceptor
func (i *ReplyInterceptor) Name() string {
	return ReplyInterceptorName
}
