package metrics

import "time"

// Sink records counter-maintenance metrics.
// Implementations must not block or return errors.
type Sink interface {
	// Updater
	TransitionApplied(recordType, previous, current string)
	ConflictRetry(recordType string)
	ApplyFailed(recordType, code string)
	CountDrift(recordType, status string)
	ApplyLatency(recordType string, d time.Duration)

	// Reconciler
	ReconcileRepaired(parentType string)
	ReconcileCompleted(d time.Duration, err error)

	// Feed
	EventConsumed(transport, outcome string)

	// Ops HTTP server
	HTTPRequest(handler, method string, status int, d time.Duration)
}

// Outcome labels for EventConsumed.
const (
	OutcomeApplied    = "applied"
	OutcomeRequeued   = "requeued"
	OutcomeDeadLetter = "dead_letter"
)
