package replies

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RequestReplyPrefix marks correlation ids minted by NewCorrelationID. Only
// replies whose in-reply-to header starts with it are captured.
const RequestReplyPrefix = "request-reply"

// NewCorrelationID mints a fresh id carrying the request/reply marker
func NewCorrelationID() string {
	return RequestReplyPrefix + ";" + uuid.New().String()
}

// IsRequestReplyID reports whether id was minted for an awaited request
func IsRequestReplyID(id string) bool {
	return strings.HasPrefix(id, RequestReplyPrefix)
}

// Await blocks until a reply for id is in the store and claims it, or until
// ctx ends. A reply that was already captured is claimed immediately.
//
// When the sweeper evicts the reply between the arrival signal and the claim,
// Await keeps waiting; a resent reply can still satisfy it.
func (s *Store) Await(ctx context.Context, id string) (PendingReply, error) {
	ctx, span := s.ins.tracer.Start(ctx, "replies.Store.Await",
		trace.WithAttributes(CorrelationIDAttribute.String(id)),
	)
	defer span.End()

	for {
		s.mu.Lock()
		if reply, ok := s.entries[id]; ok {
			delete(s.entries, id)
			s.mu.Unlock()

			s.ins.claimed.Add(ctx, 1)
			return reply, nil
		}
		w := s.subscribe(id)
		s.mu.Unlock()

		select {
		case <-w.ch:
			// Put removed the waiter when it fired; loop to claim
		case <-ctx.Done():
			s.unsubscribe(id, w)

			err := ctx.Err()
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w %s: %w", ErrReplyTimeout, id, err)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return PendingReply{}, err
		}
	}
}
