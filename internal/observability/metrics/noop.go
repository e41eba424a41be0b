package metrics

import "time"

// NoopSink discards every observation.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TransitionApplied(recordType, previous, current string)          {}
func (n *NoopSink) ConflictRetry(recordType string)                                 {}
func (n *NoopSink) ApplyFailed(recordType, code string)                             {}
func (n *NoopSink) CountDrift(recordType, status string)                            {}
func (n *NoopSink) ApplyLatency(recordType string, d time.Duration)                 {}
func (n *NoopSink) ReconcileRepaired(parentType string)                             {}
func (n *NoopSink) ReconcileCompleted(d time.Duration, err error)                   {}
func (n *NoopSink) EventConsumed(transport, outcome string)                         {}
func (n *NoopSink) HTTPRequest(handler, method string, status int, d time.Duration) {}
