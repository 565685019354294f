package relay

import "github.com/relayq/relay/payload"

// publishOptions holds per-publish configuration (unexported).
type publishOptions struct {
	maxLen        int64
	maxLenSet     bool
	eventType     string
	source        string
	idempotency   string
	schemaVersion int
	codec         payload.Codec
}

// PublishOption configures a single publish.
type PublishOption func(*publishOptions)

// WithMaxLen overrides the runtime's approximate length bound for this
// publish. Zero disables trimming for the call.
func WithMaxLen(n int64) PublishOption {
	return func(o *publishOptions) {
		o.maxLen = n
		o.maxLenSet = true
	}
}

// WithEventType stamps a consumer-visible type name onto the entry.
func WithEventType(t string) PublishOption {
	return func(o *publishOptions) {
		o.eventType = t
	}
}

// WithSource overrides the producing service name stamped onto the entry.
func WithSource(s string) PublishOption {
	return func(o *publishOptions) {
		o.source = s
	}
}

// WithIdempotencyKey stamps a caller-chosen dedup key onto the entry.
// Consumers with idempotency enabled suppress repeat deliveries sharing the
// key, including re-publishes with distinct entry IDs.
func WithIdempotencyKey(k string) PublishOption {
	return func(o *publishOptions) {
		o.idempotency = k
	}
}

// WithSchemaVersion stamps a payload schema version onto the entry.
func WithSchemaVersion(v int) PublishOption {
	return func(o *publishOptions) {
		if v > 0 {
			o.schemaVersion = v
		}
	}
}

// WithPublishCodec overrides the runtime codec for this publish. The
// entry's content type follows the codec, so mixed-codec logs stay
// decodable.
func WithPublishCodec(c payload.Codec) PublishOption {
	return func(o *publishOptions) {
		if c != nil {
			o.codec = c
		}
	}
}
