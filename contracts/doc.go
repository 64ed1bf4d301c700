// Package contracts provides the message types that flow through the bus.
//
// Application code works with Message and Reply values. On the wire every
// message travels inside an Envelope, whose headers carry the routing and
// correlation metadata the rest of the framework relies on:
//   - message-id and message-type identify the payload
//   - correlation-id is the id a responder must echo back
//   - reply-to names the queue a reply should be sent to
//   - in-reply-to marks a message as the reply to an earlier request
package contracts
