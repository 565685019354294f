package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Publish encodes payload with the runtime codec and appends it to
// logName, creating the log on first use. It returns the server-assigned
// entry ID. Appends also trim the log to the configured approximate
// length bound, so publishers collectively keep logs from growing without
// limit.
//
// Example:
//
//	id, err := rt.Publish(ctx, "tasks:created", task,
//		relay.WithEventType("task.created"),
//		relay.WithIdempotencyKey(task.ID))
func (rt *Runtime) Publish(ctx context.Context, logName string, payload any, opts ...PublishOption) (string, error) {
	if !rt.isOpen() {
		return "", ErrRuntimeClosed
	}
	if logName == "" {
		return "", ErrLogNameRequired
	}
	if payload == nil {
		return "", ErrNilPayload
	}

	po := &publishOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(po)
		}
	}
	codec := rt.codec
	if po.codec != nil {
		codec = po.codec
	}
	maxLen := rt.maxLen
	if po.maxLenSet {
		maxLen = po.maxLen
	}
	source := rt.service
	if po.source != "" {
		source = po.source
	}

	if rt.tracingEnabled {
		tracer := otel.Tracer(rt.service)
		var span trace.Span
		ctx, span = tracer.Start(ctx, logName+".publish",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(attribute.String("log", logName)))
		defer span.End()
	}

	data, err := codec.Encode(payload)
	if err != nil {
		rt.count(ctx, metricPublishErrors, attribute.String("log", logName))
		return "", &PublishError{Log: logName, Err: fmt.Errorf("encode: %w", err)}
	}

	env := &Envelope{
		Data:           data,
		Timestamp:      time.Now(),
		ContentType:    codec.ContentType(),
		EventType:      po.eventType,
		Source:         source,
		IdempotencyKey: po.idempotency,
		SchemaVersion:  po.schemaVersion,
	}

	id, err := rt.client.XAdd(ctx, &redis.XAddArgs{
		Stream: logName,
		MaxLen: maxLen,
		Approx: maxLen > 0,
		Values: env.fields(),
	}).Result()
	if err != nil {
		rt.count(ctx, metricPublishErrors, attribute.String("log", logName))
		return "", &PublishError{Log: logName, Err: err}
	}

	rt.count(ctx, metricPublished, attribute.String("log", logName))
	rt.pubLogger.Debug("entry published", "log", logName, "id", id)
	return id, nil
}

// PublishBatch appends payloads to logName in one round trip and returns
// their entry IDs in input order. Every payload is encoded before anything
// is sent, so an unencodable payload fails the batch with nothing
// appended. The appends themselves are pipelined, not transactional: a
// server-side failure can leave a prefix of the batch appended, and the
// whole call reports the error.
//
// Options apply to every entry, so WithIdempotencyKey only makes sense for
// single-entry semantics; batches should carry per-payload keys via
// WithIdempotencyKeyFunc on the consumer side instead.
func (rt *Runtime) PublishBatch(ctx context.Context, logName string, payloads []any, opts ...PublishOption) ([]string, error) {
	if !rt.isOpen() {
		return nil, ErrRuntimeClosed
	}
	if logName == "" {
		return nil, ErrLogNameRequired
	}
	if len(payloads) == 0 {
		return nil, nil
	}

	po := &publishOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(po)
		}
	}
	codec := rt.codec
	if po.codec != nil {
		codec = po.codec
	}
	maxLen := rt.maxLen
	if po.maxLenSet {
		maxLen = po.maxLen
	}
	source := rt.service
	if po.source != "" {
		source = po.source
	}

	if rt.tracingEnabled {
		tracer := otel.Tracer(rt.service)
		var span trace.Span
		ctx, span = tracer.Start(ctx, logName+".publish_batch",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.String("log", logName),
				attribute.Int("entries", len(payloads))))
		defer span.End()
	}

	now := time.Now()
	fields := make([][]any, len(payloads))
	for i, p := range payloads {
		if p == nil {
			return nil, fmt.Errorf("payload %d: %w", i, ErrNilPayload)
		}
		data, err := codec.Encode(p)
		if err != nil {
			rt.count(ctx, metricPublishErrors, attribute.String("log", logName))
			return nil, &PublishError{Log: logName, Err: fmt.Errorf("encode payload %d: %w", i, err)}
		}
		env := &Envelope{
			Data:           data,
			Timestamp:      now,
			ContentType:    codec.ContentType(),
			EventType:      po.eventType,
			Source:         source,
			IdempotencyKey: po.idempotency,
			SchemaVersion:  po.schemaVersion,
		}
		fields[i] = env.fields()
	}

	cmds := make([]*redis.StringCmd, len(fields))
	_, err := rt.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, f := range fields {
			cmds[i] = pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: logName,
				MaxLen: maxLen,
				Approx: maxLen > 0,
				Values: f,
			})
		}
		return nil
	})
	if err != nil {
		rt.count(ctx, metricPublishErrors, attribute.String("log", logName))
		return nil, &PublishError{Log: logName, Err: err}
	}

	ids := make([]string, len(cmds))
	for i, cmd := range cmds {
		id, err := cmd.Result()
		if err != nil {
			rt.count(ctx, metricPublishErrors, attribute.String("log", logName))
			return nil, &PublishError{Log: logName, Err: fmt.Errorf("entry %d: %w", i, err)}
		}
		ids[i] = id
	}

	rt.countN(ctx, metricPublished, int64(len(ids)), attribute.String("log", logName))
	rt.pubLogger.Debug("batch published", "log", logName, "entries", len(ids))
	return ids, nil
}
