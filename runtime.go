package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relayq/relay/dlq"
	"github.com/relayq/relay/eventlog"
	"github.com/relayq/relay/ledger"
	"github.com/relayq/relay/payload"
)

// Runtime status values.
const (
	statusClosed int32 = iota
	statusOpen
)

var idCounter uint64

// newID returns a unique runtime ID, falling back to a timestamp-counter
// pair if the random source fails.
func newID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("relay-%d-%d", time.Now().UnixNano(), atomic.AddUint64(&idCounter, 1))
	}
	return id.String()
}

// Runtime owns a log-service connection and the delivery loops started on
// it. Publish appends entries, Subscribe starts delivery loops, Close
// drains them. All methods are safe for concurrent use.
//
// The Runtime does not own the client: Close stops delivery loops but
// leaves the connection open for the caller.
type Runtime struct {
	status int32

	id        string
	service   string
	startedAt time.Time

	client eventlog.Client
	codec  payload.Codec

	// baseLogger is what loops derive their component loggers from;
	// logger and pubLogger carry the runtime's own component attrs.
	baseLogger *slog.Logger
	logger     *slog.Logger
	pubLogger  *slog.Logger
	onError    func(error)

	tracingEnabled  bool
	metricsEnabled  bool
	recoveryEnabled bool

	maxLen     int64
	readCount  int64
	blockTime  time.Duration
	claimIdle  time.Duration
	claimCount int64
	errorPause time.Duration
	retry      RetryPolicy
	ledgerTTL  time.Duration
	drainGrace time.Duration

	ledgerStore ledger.Store
	router      *dlq.Router

	mu   sync.Mutex
	regs []*Registration
	wg   sync.WaitGroup

	// baseCtx bounds delivery loops; the ctx passed to Subscribe only
	// bounds subscription setup.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewRuntime creates a Runtime on client.
//
// Example:
//
//	client, err := eventlog.Connect(ctx, eventlog.Config{Addr: "localhost:6379"})
//	if err != nil {
//		return err
//	}
//	rt, err := relay.NewRuntime(client, relay.WithServiceName("billing"))
func NewRuntime(client eventlog.Client, opts ...Option) (*Runtime, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	o := newRuntimeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		status:          statusOpen,
		id:              newID(),
		service:         o.service,
		startedAt:       time.Now(),
		client:          client,
		codec:           o.codec,
		baseLogger:      o.logger,
		logger:          o.logger.With("component", "relay>runtime", "service", o.service),
		pubLogger:       o.logger.With("component", "relay>publisher", "service", o.service),
		onError:         o.onError,
		tracingEnabled:  o.tracingEnabled,
		metricsEnabled:  o.metricsEnabled,
		recoveryEnabled: o.recoveryEnabled,
		maxLen:          o.maxLen,
		readCount:       o.readCount,
		blockTime:       o.blockTime,
		claimIdle:       o.claimIdle,
		claimCount:      o.claimCount,
		errorPause:      o.errorPause,
		retry:           o.retry,
		ledgerTTL:       o.ledgerTTL,
		drainGrace:      o.drainGrace,
		ledgerStore:     o.ledgerStore,
		baseCtx:         baseCtx,
		cancel:          cancel,
	}
	if rt.ledgerStore == nil {
		rt.ledgerStore = ledger.NewRedisStore(client)
	}

	routerOpts := []dlq.RouterOption{dlq.WithLogger(o.logger)}
	if o.dlqMaxLen > 0 {
		routerOpts = append(routerOpts, dlq.WithMaxLen(o.dlqMaxLen))
	}
	rt.router = dlq.NewRouter(client, routerOpts...)

	rt.logger.Debug("runtime ready", "id", rt.id)
	return rt, nil
}

// ID returns the runtime's unique ID.
func (rt *Runtime) ID() string {
	return rt.id
}

// Service returns the configured service name.
func (rt *Runtime) Service() string {
	return rt.service
}

func (rt *Runtime) isOpen() bool {
	return atomic.LoadInt32(&rt.status) == statusOpen
}

// EnsureGroup creates groupName on logName, creating the log if it does
// not exist. The group starts at the beginning of the log, so entries
// published before the first subscriber are still delivered. Creating a
// group that already exists is a no-op.
func (rt *Runtime) EnsureGroup(ctx context.Context, logName, groupName string) error {
	if !rt.isOpen() {
		return ErrRuntimeClosed
	}
	if logName == "" {
		return ErrLogNameRequired
	}
	if groupName == "" {
		return ErrGroupRequired
	}
	err := rt.client.XGroupCreateMkStream(ctx, logName, groupName, "0").Err()
	if err != nil && !eventlog.IsBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", groupName, logName, err)
	}
	rt.logger.Debug("group ready", "log", logName, "group", groupName)
	return nil
}

// register adds r unless the runtime closed in the meantime.
func (rt *Runtime) register(r *Registration) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.isOpen() {
		return ErrRuntimeClosed
	}
	rt.regs = append(rt.regs, r)
	return nil
}

// remove drops r from the registration list if still present.
func (rt *Runtime) remove(r *Registration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i, reg := range rt.regs {
		if reg == r {
			rt.regs = append(rt.regs[:i], rt.regs[i+1:]...)
			return
		}
	}
}

// Registrations returns a snapshot of the live registrations.
func (rt *Runtime) Registrations() []*Registration {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*Registration, len(rt.regs))
	copy(out, rt.regs)
	return out
}

// Unsubscribe stops every registration matching logName, groupName, and
// consumerName; an empty consumerName matches all consumers of the group.
// The loops finish their current entry before exiting; entries left
// pending stay with the group and are reclaimed by surviving consumers.
// Group state on the log service is never deleted.
func (rt *Runtime) Unsubscribe(logName, groupName, consumerName string) error {
	rt.mu.Lock()
	var kept, dropped []*Registration
	for _, r := range rt.regs {
		if r.logName == logName && r.groupName == groupName &&
			(consumerName == "" || r.consumerName == consumerName) {
			dropped = append(dropped, r)
			continue
		}
		kept = append(kept, r)
	}
	rt.regs = kept
	rt.mu.Unlock()

	if len(dropped) == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotSubscribed, logName, groupName)
	}
	for _, r := range dropped {
		r.deactivate()
	}
	return nil
}

// Close stops all delivery loops and waits up to the drain grace for them
// to finish their current entries. Entries in flight when the grace
// expires stay pending on the log service and are redelivered. Close is
// idempotent; it does not close the client.
func (rt *Runtime) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&rt.status, statusOpen, statusClosed) {
		return nil
	}

	rt.mu.Lock()
	regs := rt.regs
	rt.regs = nil
	rt.mu.Unlock()
	for _, r := range regs {
		r.deactivate()
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		rt.cancel()
		rt.logger.Info("runtime closed", "registrations", len(regs))
		return nil
	case <-time.After(rt.drainGrace):
		rt.cancel()
		rt.logger.Warn("drain grace expired, abandoning in-flight work",
			"grace", rt.drainGrace, "registrations", len(regs))
		return nil
	case <-ctx.Done():
		rt.cancel()
		return ctx.Err()
	}
}
