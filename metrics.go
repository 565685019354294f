package relay

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names. The meter is scoped to the runtime's service name.
const (
	metricPublished     = "relay.published"
	metricPublishErrors = "relay.publish.errors"
	metricProcessed     = "relay.entries.processed"
	metricRetried       = "relay.entries.retried"
	metricDeadLettered  = "relay.entries.dead_lettered"
	metricSuppressed    = "relay.entries.suppressed"
	metricReclaimed     = "relay.entries.reclaimed"
)

var metricDescriptions = map[string]string{
	metricPublished:     "Total entries published",
	metricPublishErrors: "Total failed publish attempts",
	metricProcessed:     "Total entries processed to acknowledgment",
	metricRetried:       "Total handler retries",
	metricDeadLettered:  "Total entries routed to a dead-letter log",
	metricSuppressed:    "Total duplicate entries suppressed by the ledger",
	metricReclaimed:     "Total pending entries reclaimed from idle consumers",
}

// count adds one to the named counter. The otel meter caches instruments by
// name, so fetching the counter at each call site is cheap and keeps call
// sites free of instrument plumbing.
func (rt *Runtime) count(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	rt.countN(ctx, name, 1, attrs...)
}

// countN adds n to the named counter.
func (rt *Runtime) countN(ctx context.Context, name string, n int64, attrs ...attribute.KeyValue) {
	if !rt.metricsEnabled {
		return
	}
	counter, err := otel.Meter(rt.service).Int64Counter(name,
		metric.WithDescription(metricDescriptions[name]))
	if err != nil {
		return
	}
	counter.Add(ctx, n, metric.WithAttributes(attrs...))
}
