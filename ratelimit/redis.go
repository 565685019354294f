package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// allowScript counts an event in the current window and reports whether
// it fits under the limit. INCR and EXPIRE must happen in one round trip:
// a crash between the two would leave a counter that never resets.
var allowScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('EXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`)

// FixedWindow paces all subscriber instances of a group together using a
// counter on the log service. Each window admits at most limit dispatches
// across every instance; the counter resets at window boundaries, so a
// burst of up to twice the limit can straddle an edge. When the log
// service is unreachable the limiter fails open: pacing is a protection,
// not a correctness guarantee, and a dead limiter must not stop delivery.
type FixedWindow struct {
	client redis.Cmdable
	key    string
	limit  int
	window time.Duration
}

// NewFixedWindow creates a shared limiter named name admitting limit
// dispatches per window. Instances sharing a name share the budget.
func NewFixedWindow(client redis.Cmdable, name string, limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		client: client,
		key:    "ratelimit:" + name,
		limit:  limit,
		window: window,
	}
}

// Allow reports whether a slot is available in the current window,
// consuming it when so. Fails open on log-service errors.
func (f *FixedWindow) Allow(ctx context.Context) bool {
	windowSecs := int(f.window.Seconds())
	if windowSecs < 1 {
		windowSecs = 1
	}

	result, err := allowScript.Run(ctx, f.client, []string{f.key}, f.limit, windowSecs).Int()
	if err != nil {
		return true
	}
	return result == 1
}

// Wait blocks until a slot is available or ctx is done, polling once per
// expected slot interval.
func (f *FixedWindow) Wait(ctx context.Context) error {
	pause := f.window / time.Duration(f.limit)
	for {
		if f.Allow(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

// Remaining returns how many slots are left in the current window.
func (f *FixedWindow) Remaining(ctx context.Context) (int, error) {
	val, err := f.client.Get(ctx, f.key).Int()
	if err == redis.Nil {
		return f.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit read %s: %w", f.key, err)
	}

	remaining := f.limit - val
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears the current window.
func (f *FixedWindow) Reset(ctx context.Context) error {
	return f.client.Del(ctx, f.key).Err()
}

var _ Limiter = (*FixedWindow)(nil)
