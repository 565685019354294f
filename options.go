package relay

import (
	"log/slog"
	"time"

	"github.com/relayq/relay/config"
	"github.com/relayq/relay/ledger"
	"github.com/relayq/relay/payload"
)

// Default runtime tunables.
var (
	// DefaultServiceName names the runtime when none is configured; it
	// prefixes default consumer names and scopes telemetry.
	DefaultServiceName = "relay"
	// DefaultMaxLen is the approximate length bound applied on publish.
	DefaultMaxLen int64 = 10000
	// DefaultReadCount is how many new entries one blocking read requests.
	DefaultReadCount int64 = 10
	// DefaultBlockTime is how long a read blocks waiting for new entries.
	DefaultBlockTime = 5 * time.Second
	// DefaultClaimIdle is how long an entry must sit pending before a
	// delivery loop may claim it away from its consumer.
	DefaultClaimIdle = 60 * time.Second
	// DefaultClaimCount is how many pending entries one reclaim scan covers.
	DefaultClaimCount int64 = 10
	// DefaultErrorPause is the fixed wait after a loop-level error. Unlike
	// per-entry retry there is no backoff ladder: the pause only bounds the
	// error-tight-loop rate.
	DefaultErrorPause = 5 * time.Second
	// DefaultDrainGrace is how long Close waits for delivery loops to
	// finish their current batch.
	DefaultDrainGrace = 5 * time.Second
)

// runtimeOptions holds runtime configuration (unexported).
type runtimeOptions struct {
	service         string
	codec           payload.Codec
	logger          *slog.Logger
	onError         func(error)
	tracingEnabled  bool
	metricsEnabled  bool
	recoveryEnabled bool

	maxLen     int64
	dlqMaxLen  int64
	readCount  int64
	blockTime  time.Duration
	claimIdle  time.Duration
	claimCount int64
	errorPause time.Duration
	retry      RetryPolicy
	ledgerTTL  time.Duration
	drainGrace time.Duration

	ledgerStore ledger.Store
}

// defaultErrorHandler drops errors; degraded operation is still visible
// through logs and Results.
func defaultErrorHandler(error) {}

func newRuntimeOptions() *runtimeOptions {
	return &runtimeOptions{
		service:         DefaultServiceName,
		codec:           payload.Default(),
		logger:          slog.Default(),
		onError:         defaultErrorHandler,
		tracingEnabled:  true,
		metricsEnabled:  true,
		recoveryEnabled: true,
		maxLen:          DefaultMaxLen,
		readCount:       DefaultReadCount,
		blockTime:       DefaultBlockTime,
		claimIdle:       DefaultClaimIdle,
		claimCount:      DefaultClaimCount,
		errorPause:      DefaultErrorPause,
		retry:           DefaultRetryPolicy(),
		ledgerTTL:       ledger.DefaultTTL,
		drainGrace:      DefaultDrainGrace,
	}
}

// Option configures a Runtime.
type Option func(*runtimeOptions)

// WithServiceName sets the service name used for default consumer names
// ("<service>-<startupUnixMs>") and telemetry scoping.
func WithServiceName(name string) Option {
	return func(o *runtimeOptions) {
		if name != "" {
			o.service = name
		}
	}
}

// WithCodec sets the default payload codec. Individual publishes and
// subscriptions can still override it.
func WithCodec(c payload.Codec) Option {
	return func(o *runtimeOptions) {
		if c != nil {
			o.codec = c
		}
	}
}

// WithLogger sets the logger components derive from.
func WithLogger(l *slog.Logger) Option {
	return func(o *runtimeOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithErrorHandler sets a callback invoked with every degraded-operation
// error: failed ledger writes, failed dead-letter writes, failed acks, and
// loop-level read errors.
func WithErrorHandler(fn func(error)) Option {
	return func(o *runtimeOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithTracing enables/disables publish and dispatch spans.
func WithTracing(enabled bool) Option {
	return func(o *runtimeOptions) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables/disables counters.
func WithMetrics(enabled bool) Option {
	return func(o *runtimeOptions) {
		o.metricsEnabled = enabled
	}
}

// WithRecovery enables/disables panic recovery around handlers.
// Recovery should always be enabled; disable it only in tests that want
// panics to surface.
func WithRecovery(enabled bool) Option {
	return func(o *runtimeOptions) {
		o.recoveryEnabled = enabled
	}
}

// WithDefaultMaxLen sets the approximate length bound applied on publish
// when the call itself does not override it. Zero disables trimming.
func WithDefaultMaxLen(n int64) Option {
	return func(o *runtimeOptions) {
		o.maxLen = n
	}
}

// WithDLQMaxLen bounds dead-letter logs with approximate trimming. The
// default is unbounded.
func WithDLQMaxLen(n int64) Option {
	return func(o *runtimeOptions) {
		o.dlqMaxLen = n
	}
}

// WithReadCount sets how many new entries one blocking read requests.
func WithReadCount(n int64) Option {
	return func(o *runtimeOptions) {
		if n > 0 {
			o.readCount = n
		}
	}
}

// WithBlockTime sets how long a read blocks waiting for new entries.
func WithBlockTime(d time.Duration) Option {
	return func(o *runtimeOptions) {
		if d > 0 {
			o.blockTime = d
		}
	}
}

// WithClaimIdle sets how long an entry must sit pending before a delivery
// loop may claim it away from its consumer. Values shorter than the slowest
// handler invite double processing; the idempotency ledger is the guard.
func WithClaimIdle(d time.Duration) Option {
	return func(o *runtimeOptions) {
		if d > 0 {
			o.claimIdle = d
		}
	}
}

// WithClaimCount sets how many pending entries one reclaim scan covers.
func WithClaimCount(n int64) Option {
	return func(o *runtimeOptions) {
		if n > 0 {
			o.claimCount = n
		}
	}
}

// WithErrorPause sets the fixed wait after a loop-level error.
func WithErrorPause(d time.Duration) Option {
	return func(o *runtimeOptions) {
		if d > 0 {
			o.errorPause = d
		}
	}
}

// WithDefaultRetry sets the retry policy subscriptions inherit.
func WithDefaultRetry(p RetryPolicy) Option {
	return func(o *runtimeOptions) {
		o.retry = p
	}
}

// WithLedgerTTL sets how long idempotency records live.
func WithLedgerTTL(d time.Duration) Option {
	return func(o *runtimeOptions) {
		if d > 0 {
			o.ledgerTTL = d
		}
	}
}

// WithDrainGrace sets how long Close waits for delivery loops to finish
// their current batch before abandoning in-flight work.
func WithDrainGrace(d time.Duration) Option {
	return func(o *runtimeOptions) {
		if d > 0 {
			o.drainGrace = d
		}
	}
}

// WithLedgerStore sets the idempotency ledger store subscriptions inherit.
// The default stores records on the log service itself.
func WithLedgerStore(s ledger.Store) Option {
	return func(o *runtimeOptions) {
		if s != nil {
			o.ledgerStore = s
		}
	}
}

// FromConfig maps a loaded configuration file onto runtime options. Zero
// values in the file keep their defaults, so a minimal file tunes only what
// it names.
func FromConfig(cfg *config.Config) Option {
	return func(o *runtimeOptions) {
		if cfg == nil {
			return
		}
		if cfg.Service != "" {
			o.service = cfg.Service
		}
		if cfg.MaxLen != 0 {
			o.maxLen = cfg.MaxLen
		}
		if cfg.DLQMaxLen != 0 {
			o.dlqMaxLen = cfg.DLQMaxLen
		}
		if cfg.ReadCount > 0 {
			o.readCount = cfg.ReadCount
		}
		if d := cfg.BlockTime.Std(); d > 0 {
			o.blockTime = d
		}
		if d := cfg.ClaimIdle.Std(); d > 0 {
			o.claimIdle = d
		}
		if cfg.ClaimCount > 0 {
			o.claimCount = cfg.ClaimCount
		}
		if d := cfg.ErrorPause.Std(); d > 0 {
			o.errorPause = d
		}
		if cfg.Retry.MaxRetries > 0 || cfg.Retry.BaseDelay.Std() > 0 {
			retry := DefaultRetryPolicy()
			if cfg.Retry.MaxRetries > 0 {
				retry.MaxRetries = cfg.Retry.MaxRetries
			}
			if d := cfg.Retry.BaseDelay.Std(); d > 0 {
				retry.BaseDelay = d
			}
			o.retry = retry
		}
		if d := cfg.LedgerTTL.Std(); d > 0 {
			o.ledgerTTL = d
		}
		if d := cfg.DrainGrace.Std(); d > 0 {
			o.drainGrace = d
		}
		if cfg.Tracing != nil {
			o.tracingEnabled = *cfg.Tracing
		}
		if cfg.Metrics != nil {
			o.metricsEnabled = *cfg.Metrics
		}
	}
}
