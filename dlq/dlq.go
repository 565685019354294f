// Package dlq routes entries that exhausted their retry budget to a
// dead-letter log and gives operators tools to inspect, replay, and purge
// them.
//
// A dead-letter log is an ordinary append-only log named "<logName>:dlq".
// Dead-lettered entries keep every field of the original entry and add
// provenance fields, so an operator can read the failure and replay the
// entry without reconstructing anything:
//
//	original_entry_id  entry ID in the source log
//	error              final error string that exhausted the budget
//	failed_at_ms       when the entry was dead-lettered (unix ms)
//
// The relay never consumes dead-letter logs itself; Manager exists for
// external triage.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Suffix names dead-letter logs: "<logName>:dlq".
const Suffix = ":dlq"

// ErrEntryNotFound is returned when a dead-letter entry ID does not exist.
var ErrEntryNotFound = errors.New("dead-letter entry not found")

// Provenance fields added alongside the original entry fields.
const (
	fieldOriginalID = "original_entry_id"
	fieldError      = "error"
	fieldFailedAt   = "failed_at_ms"
	fieldReplayed   = "dlq_replayed_from"
)

// Name returns the dead-letter log for logName.
func Name(logName string) string {
	return logName + Suffix
}

// Entry is a dead-lettered entry read back from a dead-letter log.
type Entry struct {
	// ID is the entry ID within the dead-letter log.
	ID string
	// OriginalID is the entry ID in the source log.
	OriginalID string
	// Error is the final error that exhausted the retry budget.
	Error string
	// FailedAt is when the entry was dead-lettered.
	FailedAt time.Time
	// Fields holds the original entry fields, provenance stripped.
	Fields map[string]string
}

// Client is the log-service slice the router and manager use.
// eventlog.Client satisfies it.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRange(ctx context.Context, stream, start, stop string) *redis.XMessageSliceCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd
}

// Router appends exhausted entries to their dead-letter log.
type Router struct {
	client Client
	maxLen int64
	logger *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMaxLen bounds dead-letter logs with approximate trimming. The default
// is unbounded: dead letters represent work someone still has to look at.
func WithMaxLen(maxLen int64) RouterOption {
	return func(r *Router) {
		r.maxLen = maxLen
	}
}

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger.With("component", "dlq>router")
	}
}

// NewRouter creates a Router on top of client.
func NewRouter(client Client, opts ...RouterOption) *Router {
	r := &Router{
		client: client,
		logger: slog.Default().With("component", "dlq>router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route appends a dead-letter entry for entryID of logName, carrying the
// original field values plus provenance, and returns the dead-letter entry
// ID. Callers acknowledge the original entry whether or not Route succeeds;
// a Route failure means the entry is dropped after its budget, which
// at-least-once permits and the caller must surface as degraded operation.
func (r *Router) Route(ctx context.Context, logName, entryID string, values map[string]any, cause error) (string, error) {
	fields := make(map[string]any, len(values)+3)
	for k, v := range values {
		fields[k] = v
	}
	fields[fieldOriginalID] = entryID
	fields[fieldError] = cause.Error()
	fields[fieldFailedAt] = strconv.FormatInt(time.Now().UnixMilli(), 10)

	args := &redis.XAddArgs{
		Stream: Name(logName),
		Values: fields,
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}

	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("dead-letter append for %s: %w", entryID, err)
	}

	r.logger.Warn("entry dead-lettered",
		"log", logName, "entry", entryID, "dlq_entry", id, "error", cause)
	return id, nil
}

// decodeEntry splits provenance fields out of a raw dead-letter entry.
func decodeEntry(msg redis.XMessage) *Entry {
	e := &Entry{
		ID:     msg.ID,
		Fields: make(map[string]string, len(msg.Values)),
	}
	for k, v := range msg.Values {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		switch k {
		case fieldOriginalID:
			e.OriginalID = s
		case fieldError:
			e.Error = s
		case fieldFailedAt:
			if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
				e.FailedAt = time.UnixMilli(ms)
			}
		default:
			e.Fields[k] = s
		}
	}
	return e
}
