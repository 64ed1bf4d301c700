// Package messaging sends and receives envelopes over a Transport.
//
// The pieces fit together as follows:
//   - MessagePublisher wraps messages in envelopes and publishes them, and
//     answers requests with Reply.
//   - MessageSubscriber consumes queues and runs each delivery through an
//     interceptor chain. The reply interceptor, when installed, always runs
//     first so replies to awaited requests never reach dispatch.
//   - MessageDispatcher routes envelopes to the handler registered for
//     their message type.
//   - RequestClient sends a request and waits for the correlated reply in a
//     replies.Store. Responder sends handler results back to the requester.
//
// Example usage:
//
//	store, _ := replies.NewStore()
//	replyInterceptor, _ := replies.NewReplyInterceptor(store)
//
//	subscriber, _ := messaging.NewMessageSubscriber(transport, dispatcher,
//		messaging.WithReplyInterceptor(replyInterceptor))
//	_ = subscriber.Subscribe(ctx, "orders.replies")
//
//	client, _ := messaging.NewRequestClient(publisher, store, "orders.replies")
//	reply, err := client.Request(ctx, "inventory.requests", request)
package messaging
