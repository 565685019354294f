package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relayq/relay/ledger"
	"github.com/relayq/relay/payload"
	"github.com/relayq/relay/ratelimit"
)

// processor carries one subscription's resolved settings through the
// per-entry pipeline: decode, validate, dedup, handle with bounded retry,
// settle.
type processor[T any] struct {
	rt  *Runtime
	reg *Registration

	handler  Handler[T]
	validate func(T) error
	codec    payload.Codec // nil resolves per entry from content_type

	idempotency bool
	ledger      ledger.Store
	ledgerTTL   time.Duration
	keyFunc     func(T) string

	retry         RetryPolicy
	limiter       ratelimit.Limiter
	maxDeliveries int64
	onResult      func(Result)
	logger        *slog.Logger
}

func newProcessor[T any](rt *Runtime, reg *Registration, handler Handler[T], so *subscribeOptions[T]) *processor[T] {
	p := &processor[T]{
		rt:            rt,
		reg:           reg,
		handler:       handler,
		validate:      so.validate,
		codec:         so.codec,
		idempotency:   so.idempotency,
		ledger:        so.ledger,
		ledgerTTL:     so.ledgerTTL,
		keyFunc:       so.keyFunc,
		retry:         rt.retry,
		limiter:       so.limiter,
		maxDeliveries: so.maxDeliveries,
		onResult:      so.onResult,
		logger:        reg.logger,
	}
	if so.retrySet {
		p.retry = so.retry
	}
	if p.ledger == nil {
		p.ledger = rt.ledgerStore
	}
	if p.ledgerTTL <= 0 {
		p.ledgerTTL = rt.ledgerTTL
	}
	return p
}

// process runs one entry through the pipeline. Every path settles the
// entry, acknowledged directly or after dead-lettering, except shutdown
// mid-retry, which leaves it pending for redelivery elsewhere.
func (p *processor[T]) process(ctx context.Context, msg redis.XMessage, deliveryCount int64) Result {
	res := Result{EntryID: msg.ID}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			res.Outcome = Abandoned
			res.Err = err
			return p.finish(res)
		}
	}

	if p.rt.tracingEnabled {
		tracer := otel.Tracer(p.rt.service)
		var span trace.Span
		ctx, span = tracer.Start(ctx, p.reg.logName+".process",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("log", p.reg.logName),
				attribute.String("group", p.reg.groupName),
				attribute.String("entry_id", msg.ID)))
		defer span.End()
	}

	// Entries redelivered past the cap are poison that crashes consumers
	// before in-process retry accounting can see them. Quarantine without
	// invoking the handler.
	if p.maxDeliveries > 0 && deliveryCount > p.maxDeliveries {
		p.deadLetter(ctx, &res, msg.Values,
			fmt.Errorf("%w: delivered %d times, cap %d", ErrTooManyDeliveries, deliveryCount, p.maxDeliveries))
		return p.finish(res)
	}

	// Decode and validation failures are deterministic: retrying the same
	// bytes cannot succeed, so they dead-letter directly, handler never
	// invoked, Attempts zero.
	env, err := decodeEnvelope(msg.Values)
	if err != nil {
		p.deadLetter(ctx, &res, msg.Values, &DecodeError{EntryID: msg.ID, Err: err})
		return p.finish(res)
	}

	codec := p.codec
	if codec == nil {
		switch {
		case env.ContentType == "":
			codec = p.rt.codec
		default:
			c, ok := payload.Get(env.ContentType)
			if !ok {
				p.deadLetter(ctx, &res, msg.Values, &DecodeError{
					EntryID: msg.ID,
					Err:     fmt.Errorf("no codec for content type %q", env.ContentType),
				})
				return p.finish(res)
			}
			codec = c
		}
	}

	var value T
	if err := codec.Decode(env.Data, &value); err != nil {
		p.deadLetter(ctx, &res, msg.Values, &DecodeError{EntryID: msg.ID, Err: err})
		return p.finish(res)
	}

	if p.validate != nil {
		if err := p.validate(value); err != nil {
			p.deadLetter(ctx, &res, msg.Values, &ValidationError{EntryID: msg.ID, Err: err})
			return p.finish(res)
		}
	}

	var key string
	if p.idempotency {
		key = ledger.Key(p.reg.logName, p.dedupSuffix(env, value, msg.ID))
		seen, err := p.ledger.Seen(ctx, key)
		if err != nil {
			// Fail open: a broken ledger degrades dedup back to plain
			// at-least-once, it must not stall the log.
			p.logger.Warn("ledger read failed, processing anyway", "entry", msg.ID, "error", err)
			p.rt.onError(fmt.Errorf("ledger read %s: %w", key, err))
			res.Degraded = append(res.Degraded, err)
		} else if seen {
			p.ack(ctx, &res)
			res.Outcome = Suppressed
			p.rt.count(ctx, metricSuppressed, attribute.String("log", p.reg.logName))
			return p.finish(res)
		}
	}

	// Bounded retry: at most MaxRetries+1 invocations with exponential
	// pauses between them. The counter is in-memory only; a crash resets
	// the budget when the entry is reclaimed.
	var handlerErr error
	for {
		res.Attempts++
		handlerErr = p.invoke(ctx, value)
		if handlerErr == nil || res.Attempts > p.retry.MaxRetries {
			break
		}
		p.rt.count(ctx, metricRetried, attribute.String("log", p.reg.logName))
		p.logger.Debug("handler failed, retrying",
			"entry", msg.ID, "attempt", res.Attempts, "error", handlerErr)
		select {
		case <-ctx.Done():
			// Shutdown mid-retry. The unacked entry stays pending and is
			// reclaimed later with a fresh budget.
			res.Outcome = Abandoned
			res.Err = handlerErr
			return p.finish(res)
		case <-time.After(p.retry.Delay(res.Attempts - 1)):
		}
	}

	if handlerErr != nil {
		p.deadLetter(ctx, &res, msg.Values, &RetryExhaustedError{
			EntryID:  msg.ID,
			Attempts: res.Attempts,
			Err:      handlerErr,
		})
		return p.finish(res)
	}

	p.ack(ctx, &res)
	res.Outcome = Acked
	if p.idempotency {
		// Recorded only after the ack: a crash between handler and here
		// reprocesses, never drops.
		if err := p.ledger.Mark(context.WithoutCancel(ctx), key, p.ledgerTTL); err != nil {
			p.logger.Warn("ledger write failed", "entry", msg.ID, "error", err)
			p.rt.onError(fmt.Errorf("ledger write %s: %w", key, err))
			res.Degraded = append(res.Degraded, err)
		}
	}
	p.rt.count(ctx, metricProcessed, attribute.String("log", p.reg.logName))
	return p.finish(res)
}

// invoke runs the handler, converting a panic into a handler error when
// recovery is enabled.
func (p *processor[T]) invoke(ctx context.Context, value T) (err error) {
	if p.rt.recoveryEnabled {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
	}
	return p.handler(ctx, value)
}

// dedupSuffix picks the ledger key suffix: the publisher's key wins, then
// the subscription's derived key, then the entry ID. The entry-ID fallback
// suppresses redelivery of the same entry but not re-publication of the
// same payload.
func (p *processor[T]) dedupSuffix(env *Envelope, value T, entryID string) string {
	if env.IdempotencyKey != "" {
		return env.IdempotencyKey
	}
	if p.keyFunc != nil {
		if k := p.keyFunc(value); k != "" {
			return k
		}
	}
	return entryID
}

// ack settles the entry with the group. Failures are degraded, not fatal:
// the entry is redelivered later, which at-least-once callers tolerate.
// The ack rides a cancellation-free context so shutdown cannot sever a
// settle already decided.
func (p *processor[T]) ack(ctx context.Context, res *Result) {
	err := p.rt.client.XAck(context.WithoutCancel(ctx), p.reg.logName, p.reg.groupName, res.EntryID).Err()
	if err != nil {
		p.logger.Warn("ack failed", "entry", res.EntryID, "error", err)
		p.rt.onError(fmt.Errorf("ack %s: %w", res.EntryID, err))
		res.Degraded = append(res.Degraded, err)
	}
}

// deadLetter routes the raw entry to the dead-letter log, then
// acknowledges the original unconditionally: a poison entry must not wedge
// the group even when the dead-letter write itself fails.
func (p *processor[T]) deadLetter(ctx context.Context, res *Result, values map[string]any, cause error) {
	res.Outcome = DeadLettered
	res.Err = cause

	ctx = context.WithoutCancel(ctx)
	if _, err := p.rt.router.Route(ctx, p.reg.logName, res.EntryID, values, cause); err != nil {
		werr := &DLQWriteError{EntryID: res.EntryID, Err: err}
		p.rt.onError(werr)
		res.Degraded = append(res.Degraded, werr)
	} else {
		p.rt.count(ctx, metricDeadLettered, attribute.String("log", p.reg.logName))
	}
	p.ack(ctx, res)
}

// finish reports the settled entry to the subscription's observer.
func (p *processor[T]) finish(res Result) Result {
	p.logger.Debug("entry settled",
		"entry", res.EntryID, "outcome", res.Outcome.String(), "attempts", res.Attempts)
	if p.onResult != nil {
		p.onResult(res)
	}
	return res
}
