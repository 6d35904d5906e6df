// Package mailer is the single exit point for outbound email.
//
// A Dispatcher wraps one Transport with a rolling-window circuit breaker and
// a pacing Gate. The gate sits inside the breaker's protected call: a call
// rejected by an open circuit never queues, and a queued call is admitted by
// the breaker before it starts waiting.
package mailer
