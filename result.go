package relay

// Outcome classifies how an entry's processing ended.
type Outcome int

const (
	// Acked means the handler succeeded and the entry was acknowledged.
	Acked Outcome = iota
	// Suppressed means the idempotency ledger recognized the entry's dedup
	// key; it was acknowledged without invoking the handler.
	Suppressed
	// DeadLettered means processing failed permanently; the entry was
	// appended to the dead-letter log and acknowledged.
	DeadLettered
	// Abandoned means processing was cut short by shutdown; the entry was
	// not acknowledged and stays pending for later reclamation.
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Suppressed:
		return "suppressed"
	case DeadLettered:
		return "dead-lettered"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Result is the per-entry processing record handed to the result handler
// registered with WithResultHandler. Degraded-but-tolerated failures are
// values here, so callers and tests assert on them instead of scraping logs.
type Result struct {
	// EntryID is the processed entry's ID in its log.
	EntryID string
	// Outcome classifies how processing ended.
	Outcome Outcome
	// Attempts is how many times the handler ran. Zero when the handler
	// never ran (duplicate suppression, decode or validation failure,
	// delivery-count quarantine).
	Attempts int
	// Err is the terminal error for DeadLettered and Abandoned outcomes.
	Err error
	// Degraded collects non-fatal failures along the way: ledger writes,
	// dead-letter writes, acknowledgments. The outcome stands despite them.
	Degraded []error
}
