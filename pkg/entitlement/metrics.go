package entitlement

// Metrics defines the interface for tracking entitlement changes and ledger writes.
type Metrics interface {
	// RecordEffect records an effect applied (or skipped) for an event.
	RecordEffect(effect Effect)

	// RecordUnattributable records an event that could not be tied to an account or price.
	// reason: "no_account", "unknown_price", "missing_period"
	RecordUnattributable(reason string)

	// RecordLedgerWrite records a ledger status write.
	// op: "processing", "done", "failed", "claim"; outcome: RecordOutcome.String()
	RecordLedgerWrite(op, outcome string)

	// RecordPriceCache records a price lookup cache hit or miss.
	RecordPriceCache(hit bool)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEffect(_ Effect)         {}
func (n *NoopMetrics) RecordUnattributable(_ string) {}
func (n *NoopMetrics) RecordLedgerWrite(_, _ string) {}
func (n *NoopMetrics) RecordPriceCache(_ bool)       {}
