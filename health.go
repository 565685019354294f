package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/relayq/relay/eventlog"
)

// StatusCode classifies a health check result.
type StatusCode string

// Health status codes.
const (
	StatusHealthy   StatusCode = "healthy"
	StatusDegraded  StatusCode = "degraded"
	StatusUnhealthy StatusCode = "unhealthy"
)

// Status is a point-in-time health check result, shaped for direct use in
// health endpoints.
type Status struct {
	Code      StatusCode     `json:"code"`
	Message   string         `json:"message,omitempty"`
	Latency   time.Duration  `json:"latency"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// IsHealthy reports whether the check passed outright.
func (s *Status) IsHealthy() bool {
	return s != nil && s.Code == StatusHealthy
}

// Health pings the log service and reports the runtime's state. It never
// returns an error; failures are encoded in the Status.
func (rt *Runtime) Health(ctx context.Context) *Status {
	start := time.Now()
	st := &Status{
		Code:      StatusHealthy,
		CheckedAt: start,
		Details:   map[string]any{"service": rt.service, "runtime_id": rt.id},
	}
	if !rt.isOpen() {
		st.Code = StatusUnhealthy
		st.Message = "runtime closed"
		return st
	}
	if err := rt.client.Ping(ctx).Err(); err != nil {
		st.Code = StatusUnhealthy
		st.Message = "log service unreachable"
		st.Latency = time.Since(start)
		st.Details["ping_error"] = err.Error()
		return st
	}
	st.Latency = time.Since(start)
	st.Message = "ok"
	st.Details["ping_latency_ms"] = st.Latency.Milliseconds()
	st.Details["registrations"] = len(rt.Registrations())
	return st
}

// GroupLag describes how far one consumer group is behind on one log.
type GroupLag struct {
	// LogName is the log being measured.
	LogName string `json:"log_name"`
	// Group is the consumer group, empty for the log-only row returned
	// when the log has no groups.
	Group string `json:"group,omitempty"`
	// Length is the total number of entries currently in the log.
	Length int64 `json:"length"`
	// Consumers is the number of consumers known to the group.
	Consumers int64 `json:"consumers"`
	// Pending counts entries delivered to the group but not yet
	// acknowledged.
	Pending int64 `json:"pending"`
	// Lag counts entries never delivered to the group. The server cannot
	// always compute it after trims; it reports zero then.
	Lag int64 `json:"lag"`
	// OldestPendingAge is how long the group's oldest unacknowledged
	// entry has been waiting. Zero when nothing is pending.
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}

// GroupLag measures every consumer group on logName. A log with no groups
// yields a single row with only the length set; a log that was never
// written yields a single zero row.
func (rt *Runtime) GroupLag(ctx context.Context, logName string) ([]GroupLag, error) {
	if !rt.isOpen() {
		return nil, ErrRuntimeClosed
	}
	if logName == "" {
		return nil, ErrLogNameRequired
	}

	length, err := rt.client.XLen(ctx, logName).Result()
	if err != nil {
		return nil, fmt.Errorf("log length %s: %w", logName, err)
	}

	groups, err := rt.client.XInfoGroups(ctx, logName).Result()
	if err != nil && !eventlog.IsNoKey(err) {
		return nil, fmt.Errorf("log groups %s: %w", logName, err)
	}
	if len(groups) == 0 {
		return []GroupLag{{LogName: logName, Length: length}}, nil
	}

	out := make([]GroupLag, 0, len(groups))
	for _, g := range groups {
		row := GroupLag{
			LogName:   logName,
			Group:     g.Name,
			Length:    length,
			Consumers: g.Consumers,
			Pending:   g.Pending,
			Lag:       g.Lag,
		}
		if g.Pending > 0 {
			sum, err := rt.client.XPending(ctx, logName, g.Name).Result()
			if err == nil && sum.Lower != "" {
				if ts, ok := eventlog.IDTime(sum.Lower); ok {
					row.OldestPendingAge = time.Since(ts)
				}
			}
		}
		out = append(out, row)
	}
	return out, nil
}
