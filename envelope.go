package relay

import (
	"fmt"
	"strconv"
	"time"
)

// Envelope field names. The publisher appends them as a flat field list in
// this order: data and timestamp always, the rest only when set.
const (
	fieldData           = "data"
	fieldTimestamp      = "timestamp"
	fieldContentType    = "content_type"
	fieldEventType      = "event_type"
	fieldSource         = "source"
	fieldIdempotencyKey = "idempotency_key"
	fieldSchemaVersion  = "schema_version"
)

// Envelope is the logical message framed into a log entry's fields: the
// codec-encoded payload plus metadata. The publisher constructs one per
// append and never retains it; the log is the system of record.
type Envelope struct {
	// Data is the codec-encoded payload.
	Data []byte
	// Timestamp is the producer-side publish time.
	Timestamp time.Time
	// ContentType names the codec that encoded Data.
	ContentType string
	// EventType and Source are routing/observability tags.
	EventType string
	Source    string
	// IdempotencyKey is the caller-supplied dedup key, if any.
	IdempotencyKey string
	// SchemaVersion tags the payload shape for evolution. Zero means untagged.
	SchemaVersion int
}

// fields flattens the envelope into the alternating key/value list the
// append primitive takes. Field order is fixed at append time.
func (e *Envelope) fields() []any {
	out := make([]any, 0, 14)
	out = append(out,
		fieldData, e.Data,
		fieldTimestamp, strconv.FormatInt(e.Timestamp.UnixMilli(), 10),
	)
	if e.ContentType != "" {
		out = append(out, fieldContentType, e.ContentType)
	}
	if e.EventType != "" {
		out = append(out, fieldEventType, e.EventType)
	}
	if e.Source != "" {
		out = append(out, fieldSource, e.Source)
	}
	if e.IdempotencyKey != "" {
		out = append(out, fieldIdempotencyKey, e.IdempotencyKey)
	}
	if e.SchemaVersion != 0 {
		out = append(out, fieldSchemaVersion, strconv.Itoa(e.SchemaVersion))
	}
	return out
}

// decodeEnvelope reads an envelope back out of a delivered entry's values.
// A missing data field is a permanent failure: the entry can never decode,
// no matter how often it is redelivered.
func decodeEnvelope(values map[string]any) (*Envelope, error) {
	raw, ok := values[fieldData]
	if !ok {
		return nil, ErrMissingData
	}

	env := &Envelope{}
	switch data := raw.(type) {
	case string:
		env.Data = []byte(data)
	case []byte:
		env.Data = data
	default:
		return nil, fmt.Errorf("%w: data field is %T", ErrMissingData, raw)
	}

	if s := stringField(values, fieldTimestamp); s != "" {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			env.Timestamp = time.UnixMilli(ms)
		}
	}
	env.ContentType = stringField(values, fieldContentType)
	env.EventType = stringField(values, fieldEventType)
	env.Source = stringField(values, fieldSource)
	env.IdempotencyKey = stringField(values, fieldIdempotencyKey)
	if s := stringField(values, fieldSchemaVersion); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			env.SchemaVersion = v
		}
	}
	return env, nil
}

func stringField(values map[string]any, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v)
	}
	return s
}
