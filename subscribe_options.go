package relay

import (
	"time"

	"github.com/relayq/relay/ledger"
	"github.com/relayq/relay/payload"
	"github.com/relayq/relay/ratelimit"
)

// subscribeOptions holds per-subscription configuration (unexported).
type subscribeOptions[T any] struct {
	consumerName string
	validate     func(T) error
	codec        payload.Codec

	idempotency bool
	ledger      ledger.Store
	ledgerTTL   time.Duration
	keyFunc     func(T) string

	retry    RetryPolicy
	retrySet bool

	limiter       ratelimit.Limiter
	maxDeliveries int64
	onResult      func(Result)
}

// SubscribeOption configures a subscription.
type SubscribeOption[T any] func(*subscribeOptions[T])

// WithConsumerName overrides the generated "<service>-<startupUnixMs>"
// consumer name. Reusing a name across live processes makes them steal each
// other's pending entries.
func WithConsumerName[T any](name string) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		if name != "" {
			o.consumerName = name
		}
	}
}

// WithValidator runs fn on every decoded payload before the handler.
// Failures dead-letter the entry without invoking the handler: validation
// is deterministic, so retrying cannot help.
func WithValidator[T any](fn func(T) error) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		o.validate = fn
	}
}

// WithSubscribeCodec fixes the decode codec, overriding both the entry's
// content type and the runtime default.
func WithSubscribeCodec[T any](c payload.Codec) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithIdempotency enables the dedup ledger with the runtime's store and
// TTL. The ledger is consulted before the handler and written after the
// acknowledgement, so redelivery of already-processed entries is suppressed
// but a crash between handler and ledger write still reprocesses; handlers
// stay responsible for their own final safety.
func WithIdempotency[T any]() SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		o.idempotency = true
	}
}

// WithIdempotencyTTL enables the ledger and overrides how long its records
// live. Entries redelivered after expiry are processed again.
func WithIdempotencyTTL[T any](d time.Duration) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		o.idempotency = true
		if d > 0 {
			o.ledgerTTL = d
		}
	}
}

// WithIdempotencyKeyFunc enables the ledger and derives dedup keys from the
// decoded payload, e.g. an order ID. Entries whose fn returns "" fall back
// to the entry ID.
func WithIdempotencyKeyFunc[T any](fn func(T) string) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		o.idempotency = true
		o.keyFunc = fn
	}
}

// WithLedger enables idempotency on a store of the caller's choosing, e.g.
// ledger.NewMemoryStore for tests.
func WithLedger[T any](s ledger.Store) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		if s != nil {
			o.idempotency = true
			o.ledger = s
		}
	}
}

// WithRetryPolicy overrides the runtime's retry policy for this
// subscription. MaxRetries zero disables in-process retry: the first
// failure dead-letters.
func WithRetryPolicy[T any](p RetryPolicy) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		o.retry = p
		o.retrySet = true
	}
}

// WithRateLimit paces dispatch through l. The loop waits for a permit
// before each entry, reclaimed and new alike.
func WithRateLimit[T any](l ratelimit.Limiter) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		o.limiter = l
	}
}

// WithMaxDeliveries quarantines entries delivered more than n times
// straight to the dead-letter log, handler not invoked. This catches poison
// entries that crash the process before outcome handling can run, which
// in-process retry accounting never sees.
func WithMaxDeliveries[T any](n int64) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		if n > 0 {
			o.maxDeliveries = n
		}
	}
}

// WithResultHandler invokes fn with the Result of every dispatched entry.
// fn runs on the delivery loop goroutine; slow handlers stall dispatch.
func WithResultHandler[T any](fn func(Result)) SubscribeOption[T] {
	return func(o *subscribeOptions[T]) {
		o.onResult = fn
	}
}
