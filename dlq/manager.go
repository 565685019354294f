package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Manager is the operator side of dead-letter logs: inspect the backlog,
// replay entries back to their source log after the underlying fault is
// fixed, and purge entries nobody will ever look at.
//
// Example:
//
//	manager := dlq.NewManager(client)
//
//	// What is stuck, and why?
//	entries, _ := manager.List(ctx, "tasks:created", 50)
//	for _, e := range entries {
//	    fmt.Println(e.OriginalID, e.Error)
//	}
//
//	// Handler bug fixed; put everything back on the log.
//	replayed, _ := manager.Replay(ctx, "tasks:created", 0)
//
//	// Drop anything that has been sitting for a month.
//	manager.Cleanup(ctx, "tasks:created", 30*24*time.Hour)
type Manager struct {
	client Client
	logger *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger.With("component", "dlq>manager")
	}
}

// NewManager creates a Manager on top of client.
func NewManager(client Client, opts ...ManagerOption) *Manager {
	m := &Manager{
		client: client,
		logger: slog.Default().With("component", "dlq>manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// listPageSize bounds how many entries replay and cleanup walk per round
// trip.
const listPageSize = 100

// List returns up to count dead-lettered entries of logName, oldest first.
// count <= 0 lists everything.
func (m *Manager) List(ctx context.Context, logName string, count int64) ([]*Entry, error) {
	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = m.client.XRangeN(ctx, Name(logName), "-", "+", count).Result()
	} else {
		msgs, err = m.client.XRange(ctx, Name(logName), "-", "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("dead-letter list: %w", err)
	}

	entries := make([]*Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, decodeEntry(msg))
	}
	return entries, nil
}

// Count returns the dead-letter backlog size for logName.
func (m *Manager) Count(ctx context.Context, logName string) (int64, error) {
	n, err := m.client.XLen(ctx, Name(logName)).Result()
	if err != nil {
		return 0, fmt.Errorf("dead-letter count: %w", err)
	}
	return n, nil
}

// Replay re-appends up to count dead-lettered entries of logName back to
// the source log, oldest first, and removes each from the dead-letter log
// once its re-append succeeds. count <= 0 replays the whole backlog.
// Returns how many entries were replayed; stops at the first failure so an
// operator can re-run after fixing it.
func (m *Manager) Replay(ctx context.Context, logName string, count int64) (int, error) {
	replayed := 0
	remaining := count

	for {
		page := int64(listPageSize)
		if remaining > 0 && remaining < page {
			page = remaining
		}

		entries, err := m.List(ctx, logName, page)
		if err != nil {
			return replayed, err
		}
		if len(entries) == 0 {
			return replayed, nil
		}

		for _, e := range entries {
			if err := m.replay(ctx, logName, e); err != nil {
				return replayed, err
			}
			replayed++
			if remaining > 0 {
				remaining--
				if remaining == 0 {
					return replayed, nil
				}
			}
		}
	}
}

// ReplayOne replays a single dead-letter entry by its dead-letter log ID.
func (m *Manager) ReplayOne(ctx context.Context, logName, dlqEntryID string) error {
	msgs, err := m.client.XRangeN(ctx, Name(logName), dlqEntryID, dlqEntryID, 1).Result()
	if err != nil {
		return fmt.Errorf("dead-letter read %s: %w", dlqEntryID, err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, dlqEntryID)
	}
	return m.replay(ctx, logName, decodeEntry(msgs[0]))
}

// replay re-appends the original fields and deletes the dead-letter entry.
// The replayed entry carries a dlq_replayed_from marker so repeated
// failures are traceable across replay generations.
func (m *Manager) replay(ctx context.Context, logName string, e *Entry) error {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[fieldReplayed] = e.ID

	id, err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: logName,
		Values: fields,
	}).Result()
	if err != nil {
		return fmt.Errorf("replay append %s: %w", e.ID, err)
	}

	if err := m.client.XDel(ctx, Name(logName), e.ID).Err(); err != nil {
		// The entry is back on the source log either way; a stale
		// dead-letter record is the lesser failure.
		m.logger.Warn("replayed entry not removed from dead-letter log",
			"log", logName, "dlq_entry", e.ID, "error", err)
	}

	m.logger.Info("dead-letter entry replayed",
		"log", logName, "dlq_entry", e.ID, "new_entry", id,
		"original_entry", e.OriginalID)
	return nil
}

// Cleanup removes dead-lettered entries of logName older than age, judged
// by when they were dead-lettered. Returns how many entries were removed.
func (m *Manager) Cleanup(ctx context.Context, logName string, age time.Duration) (int64, error) {
	cutoff := strconv.FormatInt(time.Now().Add(-age).UnixMilli(), 10)
	stream := Name(logName)

	var deleted int64
	for {
		msgs, err := m.client.XRangeN(ctx, stream, "-", cutoff, listPageSize).Result()
		if err != nil {
			return deleted, fmt.Errorf("dead-letter cleanup scan: %w", err)
		}
		if len(msgs) == 0 {
			return deleted, nil
		}

		ids := make([]string, len(msgs))
		for i, msg := range msgs {
			ids[i] = msg.ID
		}
		n, err := m.client.XDel(ctx, stream, ids...).Result()
		deleted += n
		if err != nil {
			return deleted, fmt.Errorf("dead-letter cleanup delete: %w", err)
		}
		if len(msgs) < listPageSize {
			return deleted, nil
		}
	}
}
