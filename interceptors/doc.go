// Package interceptors provides the inbound message pipeline.
//
// Every envelope received from a transport passes through an InterceptorChain
// before it reaches the final handler (normally the message dispatcher). An
// interceptor may do work around the rest of the chain, or consume the
// envelope outright by returning without calling next.
//
// Built-in interceptors:
//   - LoggingInterceptor: Logs message processing with timing information
//   - TimeoutInterceptor: Bounds the time downstream handlers may take
//   - RecoveryInterceptor: Converts handler panics into errors
//
// Example usage:
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewRecoveryInterceptor(logger)).
//		Add(interceptors.NewLoggingInterceptor(logger))
//
//	err := chain.Execute(ctx, envelope, finalHandler)
//
// Interceptors run in the order they were added; Prepend places one ahead of
// everything registered so far.
package interceptors
