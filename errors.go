package relay

import (
	"errors"
	"fmt"
)

// Usage errors.
var (
	// ErrClientRequired is returned when no log client is provided.
	ErrClientRequired = errors.New("log client is required")
	// ErrRuntimeRequired is returned when Subscribe is given a nil runtime.
	ErrRuntimeRequired = errors.New("runtime is required")
	// ErrRuntimeClosed is returned for operations on a closed runtime.
	ErrRuntimeClosed = errors.New("runtime is closed")
	// ErrLogNameRequired is returned when a log name is empty.
	ErrLogNameRequired = errors.New("log name is required")
	// ErrGroupRequired is returned when a group name is empty.
	ErrGroupRequired = errors.New("group name is required")
	// ErrHandlerRequired is returned when Subscribe is given a nil handler.
	ErrHandlerRequired = errors.New("handler is required")
	// ErrNotSubscribed is returned by Unsubscribe when no registration
	// matches the (log, group, consumer) triple.
	ErrNotSubscribed = errors.New("no matching registration")
	// ErrNilPayload is returned by PublishBatch for nil payload entries.
	ErrNilPayload = errors.New("payload is nil")
	// ErrMissingData is the cause recorded when an entry carries no data
	// field. It can never succeed on retry and dead-letters directly.
	ErrMissingData = errors.New("entry has no data field")
	// ErrTooManyDeliveries is the cause recorded when an entry's delivery
	// count exceeds the cap set by WithMaxDeliveries.
	ErrTooManyDeliveries = errors.New("delivery count exceeded the cap")
)

// PublishError reports a failed append. Publish failures surface
// synchronously to the caller and are never retried internally; the common
// caller policy is log-and-continue so a messaging outage never blocks the
// primary write it reports on.
type PublishError struct {
	Log string
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Log, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// DecodeError reports an entry whose payload could not be decoded. Decoding
// identical bytes cannot succeed on retry, so these dead-letter directly
// without consuming the retry budget.
type DecodeError struct {
	EntryID string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode entry %s: %v", e.EntryID, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ValidationError reports a decoded payload rejected by the subscription's
// validator. Like decode failures these dead-letter directly: re-validating
// the same payload cannot succeed.
type ValidationError struct {
	EntryID string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate entry %s: %v", e.EntryID, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError reports an entry whose handler failed on every attempt
// of its retry budget. Err is the final handler error, which is what the
// dead-letter entry records.
type RetryExhaustedError struct {
	EntryID  string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("entry %s failed after %d attempts: %v", e.EntryID, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// DLQWriteError reports a failed dead-letter append. It is degraded
// operation, never fatal: the original entry is acknowledged regardless, so
// a dead-letter outage cannot pile poison entries up in the pending list.
type DLQWriteError struct {
	EntryID string
	Err     error
}

func (e *DLQWriteError) Error() string {
	return fmt.Sprintf("dead-letter write for %s: %v", e.EntryID, e.Err)
}

func (e *DLQWriteError) Unwrap() error {
	return e.Err
}
