// Package eventlog is the boundary to the append-only log service backing
// the relay: Redis Streams plus the small key/value surface the idempotency
// ledger rides on.
//
// The Client interface is a structural subset of the go-redis client, so
// *redis.Client, *redis.ClusterClient and redis.UniversalClient all satisfy
// it without adapters. Connect builds a single-node client from Config and
// verifies the connection with a ping before handing it out; reconnects and
// command retries after that are the driver's job, tuned through Config.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrAddrRequired is returned by Connect when no address is configured.
var ErrAddrRequired = errors.New("log service address is required")

// Client defines the log-service operations the relay depends on.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPending(ctx context.Context, stream, group string) *redis.XPendingCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XRange(ctx context.Context, stream, start, stop string) *redis.XMessageSliceCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	XInfoGroups(ctx context.Context, stream string) *redis.XInfoGroupsCmd
	Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Config holds connection settings for the log service. Zero values defer
// to the driver's defaults, so Config{Addr: "localhost:6379"} is a working
// configuration.
type Config struct {
	// Addr is the host:port of the log service.
	Addr string
	// Username and Password authenticate the connection when set.
	Username string
	Password string
	// DB selects the logical database.
	DB int

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// ReadTimeout and WriteTimeout bound individual commands. Blocking
	// reads add their block duration on top of ReadTimeout internally.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxRetries is the number of times the driver retries a command
	// after a transient network failure before surfacing the error.
	// 0 uses the driver default, -1 disables retries.
	MaxRetries int
	// MinRetryBackoff and MaxRetryBackoff bound the wait between those
	// retries.
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration

	// PoolSize caps concurrent connections. Delivery loops share one
	// client, so this also caps concurrent blocking reads.
	PoolSize int
}

// Connect opens a client for cfg and verifies it with a ping. The caller
// owns the returned client and closes it when done; components built on top
// never close a client they were handed.
func Connect(ctx context.Context, cfg Config) (Client, error) {
	if cfg.Addr == "" {
		return nil, ErrAddrRequired
	}

	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Username:        cfg.Username,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		PoolSize:        cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Addr, err)
	}

	return client, nil
}

// IsBusyGroup reports whether err is the server reply for creating a
// consumer group that already exists. Group creation is idempotent, so
// callers swallow it.
func IsBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// IsNoGroup reports whether err is the server reply for inspecting a
// consumer group that does not exist yet. Pending scans hit it on cold
// starts before the first group create lands.
func IsNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

// IsNoKey reports whether err is the server reply for introspecting a log
// that has never been written to.
func IsNoKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}

// IDTime extracts the timestamp half of a stream entry ID ("<ms>-<seq>").
// Entry IDs are assigned by the server at append time, so this is the
// publish time as the server saw it.
func IDTime(id string) (time.Time, bool) {
	var ms int64
	if _, err := fmt.Sscanf(id, "%d-", &ms); err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Compile-time check that the go-redis clients satisfy Client.
var (
	_ Client = (*redis.Client)(nil)
	_ Client = (*redis.ClusterClient)(nil)
)
