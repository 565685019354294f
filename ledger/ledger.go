// Package ledger tracks which idempotency keys have already been processed
// so redeliveries of the same entry can be acknowledged without re-running
// the handler.
//
// The delivery pipeline consults the ledger before invoking a handler and
// records the key only after the handler succeeds. The two steps are not
// atomic: two consumers racing on the same key may both process it, which
// at-least-once delivery already permits. The ledger narrows the duplicate
// window, it does not close it.
//
// Keys follow a fixed shape so they can be inspected and purged by hand:
//
//	idempotency:<logName>:<suffix>
//
// where the suffix is the publisher's idempotency key, a consumer-derived
// key, or the entry ID as the last resort.
package ledger

import (
	"context"
	"time"
)

// Store records processed idempotency keys with an expiry.
// Implementations must be safe for concurrent use.
type Store interface {
	// Seen reports whether key was recorded and has not expired.
	Seen(ctx context.Context, key string) (bool, error)

	// Mark records key for ttl. Marking an existing key refreshes its
	// expiry.
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

// DefaultTTL is how long processed keys are remembered unless the
// subscription configures otherwise.
const DefaultTTL = 24 * time.Hour

// Key builds the ledger key for an entry of a log.
func Key(logName, suffix string) string {
	return "idempotency:" + logName + ":" + suffix
}
