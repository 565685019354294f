package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Handler processes one decoded payload. Returning nil acknowledges the
// entry; returning an error consumes the retry budget and eventually
// dead-letters the entry. Handlers run on the delivery loop goroutine,
// one entry at a time, and must tolerate repeat invocations of the same
// entry: delivery is at-least-once.
type Handler[T any] func(ctx context.Context, value T) error

// Registration is one live (log, group, consumer) delivery loop.
type Registration struct {
	id           string
	logName      string
	groupName    string
	consumerName string

	active int32
	done   chan struct{}
	logger *slog.Logger
	rt     *Runtime
}

// ID returns the registration's unique ID.
func (r *Registration) ID() string { return r.id }

// LogName returns the log the loop reads.
func (r *Registration) LogName() string { return r.logName }

// GroupName returns the consumer group the loop reads as.
func (r *Registration) GroupName() string { return r.groupName }

// ConsumerName returns the consumer name within the group.
func (r *Registration) ConsumerName() string { return r.consumerName }

// Active reports whether the loop is still scheduled to run. The loop
// checks it once per cycle, so a loop can be briefly active after Stop.
func (r *Registration) Active() bool {
	return atomic.LoadInt32(&r.active) == 1
}

// Done returns a channel closed when the delivery loop has exited.
func (r *Registration) Done() <-chan struct{} { return r.done }

// Stop deactivates this registration only. The loop finishes its current
// batch, then exits; Done is closed after.
func (r *Registration) Stop() {
	if atomic.CompareAndSwapInt32(&r.active, 1, 0) {
		r.rt.remove(r)
	}
}

// deactivate flips the liveness flag without touching the registry; Close
// and Unsubscribe handle the registry themselves.
func (r *Registration) deactivate() {
	atomic.StoreInt32(&r.active, 0)
}

// Subscribe ensures groupName exists on logName and starts a delivery loop
// invoking handler for every entry, decoded into T. The loop reads new
// entries for the group and reclaims entries other consumers left pending
// too long, so a group of subscribers drains the log together even across
// crashes.
//
// ctx bounds subscription setup only; the loop itself runs until the
// registration is stopped or the runtime closes.
//
// Example:
//
//	reg, err := relay.Subscribe(ctx, rt, "tasks:created", "billing",
//		func(ctx context.Context, task Task) error {
//			return charge(ctx, task)
//		},
//		relay.WithIdempotencyKeyFunc[Task](func(t Task) string { return t.ID }),
//	)
func Subscribe[T any](ctx context.Context, rt *Runtime, logName, groupName string, handler Handler[T], opts ...SubscribeOption[T]) (*Registration, error) {
	if rt == nil {
		return nil, ErrRuntimeRequired
	}
	if !rt.isOpen() {
		return nil, ErrRuntimeClosed
	}
	if logName == "" {
		return nil, ErrLogNameRequired
	}
	if groupName == "" {
		return nil, ErrGroupRequired
	}
	if handler == nil {
		return nil, ErrHandlerRequired
	}

	so := &subscribeOptions[T]{}
	for _, opt := range opts {
		if opt != nil {
			opt(so)
		}
	}

	if err := rt.EnsureGroup(ctx, logName, groupName); err != nil {
		return nil, fmt.Errorf("ensure group: %w", err)
	}

	consumerName := so.consumerName
	if consumerName == "" {
		consumerName = fmt.Sprintf("%s-%d", rt.service, rt.startedAt.UnixMilli())
	}

	reg := &Registration{
		id:           newID(),
		logName:      logName,
		groupName:    groupName,
		consumerName: consumerName,
		active:       1,
		done:         make(chan struct{}),
		logger: rt.baseLogger.With("component", "relay>loop",
			"log", logName, "group", groupName, "consumer", consumerName),
		rt: rt,
	}
	if err := rt.register(reg); err != nil {
		return nil, err
	}

	proc := newProcessor(rt, reg, handler, so)
	rt.wg.Add(1)
	go rt.runLoop(reg, proc.process)
	return reg, nil
}
