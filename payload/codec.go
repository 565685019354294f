// Package payload serializes event payloads carried in the data field of a
// log entry.
//
// The publisher encodes the payload with its codec and stamps the codec's
// content type on the entry; consumers resolve the codec for each entry
// through the registry, so mixed-codec logs decode correctly as long as the
// codec is registered in the consuming process.
//
// Usage:
//
//	// JSON is the default and needs no setup.
//	rt.Publish(ctx, "orders", order)
//
//	// Publish a msgpack-encoded payload.
//	rt.Publish(ctx, "orders", order, relay.WithPublishCodec(payload.MsgPack{}))
//
//	// Protobuf payloads must implement proto.Message.
//	rt.Publish(ctx, "orders", pbOrder, relay.WithPublishCodec(payload.Proto{}))
package payload

// Codec encodes/decodes event payload data.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes the payload to bytes.
	Encode(v any) ([]byte, error)

	// Decode deserializes bytes to the target type.
	// The target must be a pointer.
	Decode(data []byte, v any) error

	// ContentType identifies the encoding on the wire
	// (e.g. "application/json").
	ContentType() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}
