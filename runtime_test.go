package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayq/relay/config"
)

// mockClient implements eventlog.Client in memory: streams, group cursors,
// per-entry pending state, and the KV surface the ledger rides on.
type mockClient struct {
	mu      sync.Mutex
	msgID   int64
	streams map[string][]redis.XMessage
	groups  map[string]map[string]*mockGroup
	kv      map[string]string
	kvTTL   map[string]time.Duration

	addErr  error
	ackErr  error
	readErr error
	pingErr error

	lastAdd *redis.XAddArgs
	acks    map[string]int
}

type mockGroup struct {
	cursor  int64 // numeric half of the last delivered entry ID
	pending map[string]*mockPending
}

type mockPending struct {
	consumer    string
	deliveredAt time.Time
	count       int64
}

func newMockClient() *mockClient {
	return &mockClient{
		streams: make(map[string][]redis.XMessage),
		groups:  make(map[string]map[string]*mockGroup),
		kv:      make(map[string]string),
		kvTTL:   make(map[string]time.Duration),
		acks:    make(map[string]int),
	}
}

func idNum(id string) int64 {
	n, _ := strconv.ParseInt(strings.SplitN(id, "-", 2)[0], 10, 64)
	return n
}

func stringify(v any) string {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// flatten normalizes XAdd values the way the server does: field order
// collapses into a map and every value comes back as a string.
func flatten(v any) map[string]any {
	out := make(map[string]any)
	switch vals := v.(type) {
	case []any:
		for i := 0; i+1 < len(vals); i += 2 {
			out[fmt.Sprint(vals[i])] = stringify(vals[i+1])
		}
	case map[string]any:
		for k, val := range vals {
			out[k] = stringify(val)
		}
	case map[string]string:
		for k, val := range vals {
			out[k] = val
		}
	}
	return out
}

func (m *mockClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewStringCmd(ctx)
	m.lastAdd = a
	if m.addErr != nil {
		cmd.SetErr(m.addErr)
		return cmd
	}

	m.msgID++
	id := fmt.Sprintf("%d-0", m.msgID)
	m.streams[a.Stream] = append(m.streams[a.Stream], redis.XMessage{ID: id, Values: flatten(a.Values)})
	if a.MaxLen > 0 {
		for int64(len(m.streams[a.Stream])) > a.MaxLen {
			m.streams[a.Stream] = m.streams[a.Stream][1:]
		}
	}
	cmd.SetVal(id)
	return cmd
}

// seed appends a raw entry, bypassing the publisher's framing.
func (m *mockClient) seed(stream string, values map[string]any) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgID++
	id := fmt.Sprintf("%d-0", m.msgID)
	m.streams[stream] = append(m.streams[stream], redis.XMessage{ID: id, Values: values})
	return id
}

func (m *mockClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewStatusCmd(ctx)
	if m.groups[stream] == nil {
		m.groups[stream] = make(map[string]*mockGroup)
	}
	if _, exists := m.groups[stream][group]; exists {
		cmd.SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))
		return cmd
	}
	m.groups[stream][group] = &mockGroup{pending: make(map[string]*mockPending)}
	cmd.SetVal("OK")
	return cmd
}

func (m *mockClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	cmd := redis.NewXStreamSliceCmd(ctx)
	stream := a.Streams[0]

	m.mu.Lock()
	if m.readErr != nil {
		err := m.readErr
		m.mu.Unlock()
		cmd.SetErr(err)
		return cmd
	}
	g := m.groups[stream][a.Group]
	if g == nil {
		m.mu.Unlock()
		cmd.SetErr(fmt.Errorf("NOGROUP No such consumer group '%s' for key name '%s'", a.Group, stream))
		return cmd
	}
	var out []redis.XMessage
	for _, msg := range m.streams[stream] {
		if idNum(msg.ID) <= g.cursor {
			continue
		}
		if a.Count > 0 && int64(len(out)) >= a.Count {
			break
		}
		out = append(out, msg)
		g.cursor = idNum(msg.ID)
		g.pending[msg.ID] = &mockPending{consumer: a.Consumer, deliveredAt: time.Now(), count: 1}
	}
	m.mu.Unlock()

	if len(out) == 0 {
		// The real client blocks; sleeping keeps empty polls from spinning.
		time.Sleep(time.Millisecond)
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal([]redis.XStream{{Stream: stream, Messages: out}})
	return cmd
}

func (m *mockClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	if m.ackErr != nil {
		cmd.SetErr(m.ackErr)
		return cmd
	}
	var n int64
	if g := m.groups[stream][group]; g != nil {
		for _, id := range ids {
			if _, ok := g.pending[id]; ok {
				delete(g.pending, id)
				n++
			}
			m.acks[stream+" "+group+" "+id]++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (m *mockClient) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXPendingExtCmd(ctx)
	g := m.groups[a.Stream][a.Group]
	if g == nil {
		cmd.SetErr(fmt.Errorf("NOGROUP No such consumer group '%s' for key name '%s'", a.Group, a.Stream))
		return cmd
	}
	var out []redis.XPendingExt
	for id, p := range g.pending {
		idle := time.Since(p.deliveredAt)
		if a.Idle > 0 && idle < a.Idle {
			continue
		}
		out = append(out, redis.XPendingExt{ID: id, Consumer: p.consumer, Idle: idle, RetryCount: p.count})
	}
	sort.Slice(out, func(i, j int) bool { return idNum(out[i].ID) < idNum(out[j].ID) })
	if a.Count > 0 && int64(len(out)) > a.Count {
		out = out[:a.Count]
	}
	cmd.SetVal(out)
	return cmd
}

func (m *mockClient) XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXMessageSliceCmd(ctx)
	g := m.groups[a.Stream][a.Group]
	if g == nil {
		cmd.SetErr(fmt.Errorf("NOGROUP No such consumer group '%s' for key name '%s'", a.Group, a.Stream))
		return cmd
	}
	var out []redis.XMessage
	for _, id := range a.Messages {
		p := g.pending[id]
		if p == nil || time.Since(p.deliveredAt) < a.MinIdle {
			continue
		}
		p.consumer = a.Consumer
		p.deliveredAt = time.Now()
		p.count++
		found := false
		for _, msg := range m.streams[a.Stream] {
			if msg.ID == id {
				out = append(out, msg)
				found = true
				break
			}
		}
		if !found {
			// Entry trimmed out from under its pending reference.
			out = append(out, redis.XMessage{ID: id})
		}
	}
	cmd.SetVal(out)
	return cmd
}

func (m *mockClient) XPending(ctx context.Context, stream, group string) *redis.XPendingCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXPendingCmd(ctx)
	res := &redis.XPending{Consumers: make(map[string]int64)}
	if g := m.groups[stream][group]; g != nil {
		for id, p := range g.pending {
			res.Count++
			res.Consumers[p.consumer]++
			if res.Lower == "" || idNum(id) < idNum(res.Lower) {
				res.Lower = id
			}
			if res.Higher == "" || idNum(id) > idNum(res.Higher) {
				res.Higher = id
			}
		}
	}
	cmd.SetVal(res)
	return cmd
}

func rangeContains(start, stop, id string) bool {
	n := idNum(id)
	if start != "-" && n < idNum(start) {
		return false
	}
	if stop != "+" && n > idNum(stop) {
		return false
	}
	return true
}

func (m *mockClient) XRange(ctx context.Context, stream, start, stop string) *redis.XMessageSliceCmd {
	return m.xrange(ctx, stream, start, stop, 0)
}

func (m *mockClient) XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd {
	return m.xrange(ctx, stream, start, stop, count)
}

func (m *mockClient) xrange(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXMessageSliceCmd(ctx)
	var out []redis.XMessage
	for _, msg := range m.streams[stream] {
		if !rangeContains(start, stop, msg.ID) {
			continue
		}
		if count > 0 && int64(len(out)) >= count {
			break
		}
		out = append(out, msg)
	}
	cmd.SetVal(out)
	return cmd
}

func (m *mockClient) XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	var n int64
	for _, id := range ids {
		for i, msg := range m.streams[stream] {
			if msg.ID == id {
				m.streams[stream] = append(m.streams[stream][:i], m.streams[stream][i+1:]...)
				n++
				break
			}
		}
	}
	cmd.SetVal(n)
	return cmd
}

func (m *mockClient) XLen(ctx context.Context, stream string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(m.streams[stream])))
	return cmd
}

func (m *mockClient) XInfoGroups(ctx context.Context, stream string) *redis.XInfoGroupsCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXInfoGroupsCmd(ctx, stream)
	var out []redis.XInfoGroup
	for name, g := range m.groups[stream] {
		consumers := make(map[string]bool)
		for _, p := range g.pending {
			consumers[p.consumer] = true
		}
		var lag int64
		for _, msg := range m.streams[stream] {
			if idNum(msg.ID) > g.cursor {
				lag++
			}
		}
		out = append(out, redis.XInfoGroup{
			Name:      name,
			Consumers: int64(len(consumers)),
			Pending:   int64(len(g.pending)),
			Lag:       lag,
		})
	}
	cmd.SetVal(out)
	return cmd
}

// mockPipeliner executes appends eagerly; the publisher only uses XAdd
// inside pipelines.
type mockPipeliner struct {
	redis.Pipeliner
	mc   *mockClient
	cmds []redis.Cmder
}

func (p *mockPipeliner) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	cmd := p.mc.XAdd(ctx, a)
	p.cmds = append(p.cmds, cmd)
	return cmd
}

func (m *mockClient) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	p := &mockPipeliner{mc: m}
	if err := fn(p); err != nil {
		return p.cmds, err
	}
	return p.cmds, nil
}

func (m *mockClient) Get(ctx context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewStringCmd(ctx)
	v, ok := m.kv[key]
	if !ok {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(v)
	return cmd
}

func (m *mockClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kv[key] = fmt.Sprint(value)
	m.kvTTL[key] = expiration
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("OK")
	return cmd
}

func (m *mockClient) Ping(ctx context.Context) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewStatusCmd(ctx)
	if m.pingErr != nil {
		cmd.SetErr(m.pingErr)
		return cmd
	}
	cmd.SetVal("PONG")
	return cmd
}

func (m *mockClient) Close() error { return nil }

// forcePending plants a pending entry as if consumer read it age ago and
// never acknowledged, with the group's delivery counter at count. The
// cursor advances past the entry so it can only come back via claim.
func (m *mockClient) forcePending(stream, group, id, consumer string, age time.Duration, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.groups[stream] == nil {
		m.groups[stream] = make(map[string]*mockGroup)
	}
	g := m.groups[stream][group]
	if g == nil {
		g = &mockGroup{pending: make(map[string]*mockPending)}
		m.groups[stream][group] = g
	}
	g.pending[id] = &mockPending{consumer: consumer, deliveredAt: time.Now().Add(-age), count: count}
	if idNum(id) > g.cursor {
		g.cursor = idNum(id)
	}
}

func (m *mockClient) entries(stream string) []redis.XMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]redis.XMessage, len(m.streams[stream]))
	copy(out, m.streams[stream])
	return out
}

func (m *mockClient) pendingCount(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g := m.groups[stream][group]; g != nil {
		return len(g.pending)
	}
	return 0
}

func (m *mockClient) acked(stream, group, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks[stream+" "+group+" "+id] > 0
}

func (m *mockClient) setReadErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// newTestRuntime builds a quiet runtime with tight timings so loop tests
// finish in milliseconds.
func newTestRuntime(t *testing.T, mc *mockClient, opts ...Option) *Runtime {
	t.Helper()
	base := []Option{
		WithServiceName("relay-test"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTracing(false),
		WithMetrics(false),
		WithBlockTime(5 * time.Millisecond),
		WithErrorPause(5 * time.Millisecond),
		WithDrainGrace(time.Second),
		WithDefaultRetry(RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond}),
	}
	rt, err := NewRuntime(mc, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt
}

func resultChan() (chan Result, func(Result)) {
	ch := make(chan Result, 16)
	return ch, func(r Result) { ch <- r }
}

func awaitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivery result")
		return Result{}
	}
}

func awaitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the loop to exit")
	}
}

func TestNewRuntime(t *testing.T) {
	t.Run("nil client", func(t *testing.T) {
		_, err := NewRuntime(nil)
		if !errors.Is(err, ErrClientRequired) {
			t.Errorf("NewRuntime(nil) error = %v, want ErrClientRequired", err)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		rt, err := NewRuntime(newMockClient())
		if err != nil {
			t.Fatalf("NewRuntime() error = %v", err)
		}
		defer rt.Close(context.Background())

		if rt.service != DefaultServiceName {
			t.Errorf("service = %q, want %q", rt.service, DefaultServiceName)
		}
		if rt.maxLen != DefaultMaxLen || rt.readCount != DefaultReadCount {
			t.Errorf("maxLen/readCount = %d/%d, want %d/%d",
				rt.maxLen, rt.readCount, DefaultMaxLen, DefaultReadCount)
		}
		if rt.blockTime != DefaultBlockTime || rt.claimIdle != DefaultClaimIdle {
			t.Errorf("blockTime/claimIdle = %v/%v, want %v/%v",
				rt.blockTime, rt.claimIdle, DefaultBlockTime, DefaultClaimIdle)
		}
		if rt.retry != DefaultRetryPolicy() {
			t.Errorf("retry = %+v, want default", rt.retry)
		}
		if rt.ledgerStore == nil || rt.router == nil {
			t.Error("ledger store and dead-letter router should be wired by default")
		}
		if rt.ID() == "" {
			t.Error("runtime ID should not be empty")
		}
	})

	t.Run("ids are unique", func(t *testing.T) {
		a, _ := NewRuntime(newMockClient())
		b, _ := NewRuntime(newMockClient())
		defer a.Close(context.Background())
		defer b.Close(context.Background())
		if a.ID() == b.ID() {
			t.Errorf("two runtimes share ID %q", a.ID())
		}
	})

	t.Run("from config", func(t *testing.T) {
		off := false
		cfg := &config.Config{
			Service:    "billing",
			MaxLen:     123,
			ReadCount:  7,
			BlockTime:  config.Duration(time.Second),
			ClaimIdle:  config.Duration(2 * time.Second),
			ClaimCount: 3,
			ErrorPause: config.Duration(time.Second),
			Retry:      config.Retry{MaxRetries: 9, BaseDelay: config.Duration(5 * time.Millisecond)},
			LedgerTTL:  config.Duration(time.Hour),
			DrainGrace: config.Duration(time.Second),
			Tracing:    &off,
		}
		rt, err := NewRuntime(newMockClient(), FromConfig(cfg))
		if err != nil {
			t.Fatalf("NewRuntime() error = %v", err)
		}
		defer rt.Close(context.Background())

		if rt.service != "billing" || rt.maxLen != 123 || rt.readCount != 7 || rt.claimCount != 3 {
			t.Errorf("mapped fields = %s/%d/%d/%d, want billing/123/7/3",
				rt.service, rt.maxLen, rt.readCount, rt.claimCount)
		}
		if rt.blockTime != time.Second || rt.claimIdle != 2*time.Second {
			t.Errorf("durations = %v/%v, want 1s/2s", rt.blockTime, rt.claimIdle)
		}
		want := RetryPolicy{MaxRetries: 9, BaseDelay: 5 * time.Millisecond}
		if rt.retry != want {
			t.Errorf("retry = %+v, want %+v", rt.retry, want)
		}
		if rt.ledgerTTL != time.Hour {
			t.Errorf("ledgerTTL = %v, want 1h", rt.ledgerTTL)
		}
		if rt.tracingEnabled {
			t.Error("tracing should be disabled by config")
		}
		if !rt.metricsEnabled {
			t.Error("metrics should keep its default when config leaves it nil")
		}
	})
}

func TestEnsureGroup(t *testing.T) {
	mc := newMockClient()
	rt := newTestRuntime(t, mc)
	ctx := context.Background()

	t.Run("creates log and group", func(t *testing.T) {
		if err := rt.EnsureGroup(ctx, "tasks:created", "billing"); err != nil {
			t.Fatalf("EnsureGroup() error = %v", err)
		}
		if mc.groups["tasks:created"]["billing"] == nil {
			t.Error("group was not created")
		}
	})

	t.Run("existing group is not an error", func(t *testing.T) {
		if err := rt.EnsureGroup(ctx, "tasks:created", "billing"); err != nil {
			t.Errorf("EnsureGroup() on existing group = %v, want nil", err)
		}
	})

	t.Run("usage errors", func(t *testing.T) {
		if err := rt.EnsureGroup(ctx, "", "billing"); !errors.Is(err, ErrLogNameRequired) {
			t.Errorf("empty log error = %v, want ErrLogNameRequired", err)
		}
		if err := rt.EnsureGroup(ctx, "tasks:created", ""); !errors.Is(err, ErrGroupRequired) {
			t.Errorf("empty group error = %v, want ErrGroupRequired", err)
		}
	})

	t.Run("closed runtime", func(t *testing.T) {
		rt2 := newTestRuntime(t, newMockClient())
		rt2.Close(ctx)
		if err := rt2.EnsureGroup(ctx, "tasks:created", "billing"); !errors.Is(err, ErrRuntimeClosed) {
			t.Errorf("EnsureGroup() on closed runtime = %v, want ErrRuntimeClosed", err)
		}
	})
}

func TestUnsubscribe(t *testing.T) {
	t.Run("stops matching registrations", func(t *testing.T) {
		mc := newMockClient()
		rt := newTestRuntime(t, mc)
		reg, err := Subscribe(context.Background(), rt, "tasks:created", "billing",
			func(ctx context.Context, s string) error { return nil })
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}

		if err := rt.Unsubscribe("tasks:created", "billing", ""); err != nil {
			t.Fatalf("Unsubscribe() error = %v", err)
		}
		awaitDone(t, reg.Done())
		if reg.Active() {
			t.Error("registration still active after Unsubscribe")
		}
		if got := len(rt.Registrations()); got != 0 {
			t.Errorf("registrations after Unsubscribe = %d, want 0", got)
		}
	})

	t.Run("consumer name narrows the match", func(t *testing.T) {
		mc := newMockClient()
		rt := newTestRuntime(t, mc)
		keep, _ := Subscribe(context.Background(), rt, "tasks:created", "billing",
			func(ctx context.Context, s string) error { return nil },
			WithConsumerName[string]("keep"))
		drop, _ := Subscribe(context.Background(), rt, "tasks:created", "billing",
			func(ctx context.Context, s string) error { return nil },
			WithConsumerName[string]("drop"))

		if err := rt.Unsubscribe("tasks:created", "billing", "drop"); err != nil {
			t.Fatalf("Unsubscribe() error = %v", err)
		}
		awaitDone(t, drop.Done())
		if !keep.Active() {
			t.Error("unrelated registration was stopped")
		}
	})

	t.Run("no match", func(t *testing.T) {
		rt := newTestRuntime(t, newMockClient())
		err := rt.Unsubscribe("tasks:created", "billing", "")
		if !errors.Is(err, ErrNotSubscribed) {
			t.Errorf("Unsubscribe() error = %v, want ErrNotSubscribed", err)
		}
	})

	t.Run("stop removes a single registration", func(t *testing.T) {
		rt := newTestRuntime(t, newMockClient())
		reg, err := Subscribe(context.Background(), rt, "tasks:created", "billing",
			func(ctx context.Context, s string) error { return nil })
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		reg.Stop()
		awaitDone(t, reg.Done())
		if got := len(rt.Registrations()); got != 0 {
			t.Errorf("registrations after Stop = %d, want 0", got)
		}
	})
}

func TestClose(t *testing.T) {
	t.Run("drains in-flight work", func(t *testing.T) {
		mc := newMockClient()
		rt := newTestRuntime(t, mc)
		results, onResult := resultChan()

		started := make(chan struct{})
		var finished atomic.Bool
		_, err := Subscribe(context.Background(), rt, "tasks:created", "billing",
			func(ctx context.Context, s string) error {
				close(started)
				time.Sleep(50 * time.Millisecond)
				finished.Store(true)
				return nil
			},
			WithResultHandler[string](onResult))
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		if _, err := rt.Publish(context.Background(), "tasks:created", "job"); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}

		<-started
		if err := rt.Close(context.Background()); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if !finished.Load() {
			t.Error("Close returned before the in-flight handler finished")
		}
		if r := awaitResult(t, results); r.Outcome != Acked {
			t.Errorf("outcome = %v, want Acked", r.Outcome)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		rt := newTestRuntime(t, newMockClient())
		if err := rt.Close(context.Background()); err != nil {
			t.Fatalf("first Close() error = %v", err)
		}
		if err := rt.Close(context.Background()); err != nil {
			t.Errorf("second Close() error = %v, want nil", err)
		}
	})

	t.Run("closed runtime rejects use", func(t *testing.T) {
		rt := newTestRuntime(t, newMockClient())
		rt.Close(context.Background())

		if _, err := rt.Publish(context.Background(), "tasks:created", "x"); !errors.Is(err, ErrRuntimeClosed) {
			t.Errorf("Publish() error = %v, want ErrRuntimeClosed", err)
		}
		_, err := Subscribe(context.Background(), rt, "tasks:created", "billing",
			func(ctx context.Context, s string) error { return nil })
		if !errors.Is(err, ErrRuntimeClosed) {
			t.Errorf("Subscribe() error = %v, want ErrRuntimeClosed", err)
		}
	})
}

func TestHealth(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy", func(t *testing.T) {
		rt := newTestRuntime(t, newMockClient())
		st := rt.Health(ctx)
		if !st.IsHealthy() {
			t.Fatalf("Health() = %+v, want healthy", st)
		}
		if st.Details["registrations"] != 0 {
			t.Errorf("registrations detail = %v, want 0", st.Details["registrations"])
		}
		if st.CheckedAt.IsZero() {
			t.Error("CheckedAt should be stamped")
		}
	})

	t.Run("ping failure", func(t *testing.T) {
		mc := newMockClient()
		mc.pingErr = errors.New("connection refused")
		rt := newTestRuntime(t, mc)
		st := rt.Health(ctx)
		if st.Code != StatusUnhealthy {
			t.Fatalf("Code = %v, want unhealthy", st.Code)
		}
		if st.Details["ping_error"] == nil {
			t.Error("ping_error detail missing")
		}
	})

	t.Run("closed", func(t *testing.T) {
		rt := newTestRuntime(t, newMockClient())
		rt.Close(ctx)
		if st := rt.Health(ctx); st.IsHealthy() {
			t.Error("closed runtime reports healthy")
		}
	})
}

func TestGroupLag(t *testing.T) {
	ctx := context.Background()

	t.Run("no groups", func(t *testing.T) {
		mc := newMockClient()
		rt := newTestRuntime(t, mc)
		mc.seed("tasks:created", map[string]any{"data": "{}"})

		rows, err := rt.GroupLag(ctx, "tasks:created")
		if err != nil {
			t.Fatalf("GroupLag() error = %v", err)
		}
		if len(rows) != 1 || rows[0].Length != 1 || rows[0].Group != "" {
			t.Errorf("rows = %+v, want one log-only row with length 1", rows)
		}
	})

	t.Run("group with pending and lag", func(t *testing.T) {
		mc := newMockClient()
		rt := newTestRuntime(t, mc)
		id1 := mc.seed("tasks:created", map[string]any{"data": "{}"})
		mc.seed("tasks:created", map[string]any{"data": "{}"})
		mc.seed("tasks:created", map[string]any{"data": "{}"})
		// id1 delivered but never acked; the two later entries never read.
		mc.forcePending("tasks:created", "billing", id1, "ghost", time.Minute, 1)

		rows, err := rt.GroupLag(ctx, "tasks:created")
		if err != nil {
			t.Fatalf("GroupLag() error = %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("rows = %d, want 1", len(rows))
		}
		row := rows[0]
		if row.Group != "billing" || row.Length != 3 || row.Pending != 1 || row.Lag != 2 {
			t.Errorf("row = %+v, want billing/3/1/2", row)
		}
		if row.OldestPendingAge <= 0 {
			t.Error("OldestPendingAge should be positive with a pending entry")
		}
	})

	t.Run("usage errors", func(t *testing.T) {
		rt := newTestRuntime(t, newMockClient())
		if _, err := rt.GroupLag(ctx, ""); !errors.Is(err, ErrLogNameRequired) {
			t.Errorf("GroupLag(\"\") error = %v, want ErrLogNameRequired", err)
		}
	})
}
