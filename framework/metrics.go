package framework

import (
	"time"
)

// Outcomes reported by MetricsCollector.WaitOutcome.
const (
	WaitResolved   = "resolved"
	WaitTimedOut   = "timeout"
	WaitCancelled  = "cancelled"
	WaitTerminated = "terminated"
)

// MetricsCollector receives measurements from process handles, the control channel and the event
// registry.
type MetricsCollector interface {
	// ProcessStateTransition records a lifecycle state change of a process
	ProcessStateTransition(id ProcessID, fromState, toState ProcessState)

	// OperationDuration records how long an operation took to get its reply
	OperationDuration(id ProcessID, opType string, duration time.Duration, err error)

	// WaitOutcome records how a waiter was removed from the registry
	WaitOutcome(id ProcessID, eventType string, outcome string, duration time.Duration)

	// FrameDropped records a frame that could not be decoded
	FrameDropped(id ProcessID)

	// ShutdownDuration records how long it took for a process to stop
	ShutdownDuration(id ProcessID, duration time.Duration, forced bool)
}

type noopMetricsCollector struct{}

func (n *noopMetricsCollector) ProcessStateTransition(id ProcessID, fromState, toState ProcessState) {
}
func (n *noopMetricsCollector) OperationDuration(id ProcessID, opType string, duration time.Duration, err error) {
}
func (n *noopMetricsCollector) WaitOutcome(id ProcessID, eventType string, outcome string, duration time.Duration) {
}
func (n *noopMetricsCollector) FrameDropped(id ProcessID)                                        {}
func (n *noopMetricsCollector) ShutdownDuration(id ProcessID, duration time.Duration, forced bool) {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}
