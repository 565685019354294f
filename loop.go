package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"github.com/relayq/relay/eventlog"
)

// processFunc dispatches one entry and reports what became of it.
// deliveryCount is the group's delivery counter for the entry: 1 for fresh
// reads, higher for reclaimed ones.
type processFunc func(ctx context.Context, msg redis.XMessage, deliveryCount int64) Result

// runLoop is the per-registration delivery loop: reclaim idle pending
// entries, read new ones, dispatch strictly in arrival order. One entry is
// fully settled (acked or dead-lettered) before the next is touched.
func (rt *Runtime) runLoop(reg *Registration, process processFunc) {
	defer rt.wg.Done()
	defer close(reg.done)

	ctx := rt.baseCtx
	reg.logger.Info("delivery loop started")
	defer reg.logger.Info("delivery loop stopped")

	for reg.Active() && ctx.Err() == nil {
		rt.reclaimOnce(ctx, reg, process)
		if !reg.Active() || ctx.Err() != nil {
			return
		}

		streams, err := rt.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    reg.groupName,
			Consumer: reg.consumerName,
			Streams:  []string{reg.logName, ">"},
			Count:    rt.readCount,
			Block:    rt.blockTime,
		}).Result()
		if err != nil {
			// An empty block is a normal cycle.
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				continue
			}
			reg.logger.Warn("read failed", "error", err)
			rt.onError(fmt.Errorf("read %s/%s: %w", reg.logName, reg.groupName, err))
			rt.pause(ctx)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				process(ctx, msg, 1)
			}
		}
	}
}

// pause waits the fixed loop error pause, cut short only by shutdown.
func (rt *Runtime) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(rt.errorPause):
	}
}

// reclaimOnce scans the group's pending entries oldest-first and claims the
// ones idle past the threshold, dispatching each before any new read. The
// scan covers the whole group, not just this consumer's name: entries
// stranded by crashed consumers have owners that never come back, so only
// other names can rescue them.
func (rt *Runtime) reclaimOnce(ctx context.Context, reg *Registration, process processFunc) {
	pending, err := rt.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: reg.logName,
		Group:  reg.groupName,
		Start:  "-",
		End:    "+",
		Count:  rt.claimCount,
		Idle:   rt.claimIdle,
	}).Result()
	if err != nil {
		// NOGROUP means nobody created the group yet; the read path
		// reports the real problem if it persists.
		if eventlog.IsNoGroup(err) || errors.Is(err, redis.Nil) ||
			errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		reg.logger.Warn("pending scan failed", "error", err)
		rt.onError(fmt.Errorf("pending scan %s/%s: %w", reg.logName, reg.groupName, err))
		return
	}

	for _, p := range pending {
		if !reg.Active() || ctx.Err() != nil {
			return
		}

		// MinIdle re-checks idleness server-side, so consumers racing on
		// the same entry cannot double-claim it.
		claimed, err := rt.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   reg.logName,
			Group:    reg.groupName,
			Consumer: reg.consumerName,
			MinIdle:  rt.claimIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			reg.logger.Warn("claim failed", "entry", p.ID, "error", err)
			continue
		}
		// Empty result: another consumer won the race. Skip silently.
		if len(claimed) == 0 {
			continue
		}
		// Empty values: the entry was trimmed away while pending. Ack to
		// clear the dangling pending reference; there is nothing to run.
		msg := claimed[0]
		if len(msg.Values) == 0 {
			reg.logger.Warn("claimed entry was trimmed, clearing", "entry", msg.ID)
			if err := rt.client.XAck(ctx, reg.logName, reg.groupName, msg.ID).Err(); err != nil {
				rt.onError(fmt.Errorf("ack trimmed entry %s: %w", msg.ID, err))
			}
			continue
		}

		rt.count(ctx, metricReclaimed,
			attribute.String("log", reg.logName),
			attribute.String("group", reg.groupName))
		process(ctx, msg, p.RetryCount)
	}
}
