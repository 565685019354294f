// Package relay layers reliable at-least-once event delivery on top of an
// append-only log service.
//
// Publishers frame payload bytes with delivery metadata and append them to
// named logs, trimming each log to an approximate length bound. Consumer
// groups fan entries out to named consumers; one delivery loop per
// subscription reads new entries, reclaims entries stranded by crashed
// consumers, and runs each through decode, validation, an optional
// idempotency ledger, and the handler with a bounded exponential retry
// budget. Entries that exhaust the budget are appended to a dead-letter
// log and acknowledged so a poison entry never wedges its group.
//
// Publishing:
//
//	client, err := eventlog.Connect(ctx, eventlog.Config{Addr: "localhost:6379"})
//	if err != nil {
//		return err
//	}
//	rt, err := relay.NewRuntime(client, relay.WithServiceName("orders"))
//	if err != nil {
//		return err
//	}
//	id, err := rt.Publish(ctx, "orders:placed", order,
//		relay.WithIdempotencyKey(order.ID))
//
// Consuming:
//
//	reg, err := relay.Subscribe(ctx, rt, "orders:placed", "billing",
//		func(ctx context.Context, order Order) error {
//			return charge(ctx, order)
//		},
//		relay.WithIdempotency[Order](),
//	)
//	...
//	rt.Close(ctx)
//
// Delivery is at-least-once: an acknowledgement can be lost after a
// handler ran, so handlers must tolerate repeats. The ledger narrows that
// window, it does not close it. Entries within one subscription are
// processed strictly in order; ordering across subscriptions or groups is
// not coordinated.
package relay
