// Package replies correlates asynchronous replies with the requests that
// are waiting for them.
//
// A request side mints a correlation id with NewCorrelationID and sends it
// along with the request. The responder echoes it back in the in-reply-to
// header. On the way in, ReplyInterceptor recognizes that header, puts the
// reply into the Store and stops it from reaching handler dispatch. The
// waiting caller claims it with Store.Await.
//
// Replies nobody claims (the caller timed out, or the reply was duplicated)
// are evicted by the Sweeper once they are older than the configured max age.
//
// A stored entry ends in exactly one way: claimed by Await/TryRemove, or
// evicted by the sweeper.
package replies
