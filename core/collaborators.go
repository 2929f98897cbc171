package core

import "time"

// MetricsSink receives observability records emitted by the core on routing
// decisions, workflow transitions and health outcomes. Implementations live
// in the surrounding observability layer; calls are fire-and-forget and a
// failing sink must never block or abort the caller.
type MetricsSink interface {
	// IncrCounter adds delta to a named counter.
	IncrCounter(name string, delta int)
	// SetGauge records the current value of a named gauge.
	SetGauge(name string, value float64)
	// ObserveLatency records one latency sample for a named operation.
	ObserveLatency(name string, d time.Duration)
	// Alert raises a timed alert with severity and human-readable detail.
	Alert(severity, name, detail string)
}

// PolicyChecker is the hook into the surrounding security layer. The core
// consults it before invoking handlers and dispatching workflow steps; a
// false verdict suppresses the operation without failing the bus itself.
type PolicyChecker interface {
	Allow(resource, action string, kind ParticipantKind) bool
}

// NoOpMetrics discards all metrics. Useful for tests or when the
// observability layer is absent.
type NoOpMetrics struct{}

// IncrCounter discards the sample.
func (NoOpMetrics) IncrCounter(string, int) {}

// SetGauge discards the sample.
func (NoOpMetrics) SetGauge(string, float64) {}

// ObserveLatency discards the sample.
func (NoOpMetrics) ObserveLatency(string, time.Duration) {}

// Alert discards the alert.
func (NoOpMetrics) Alert(string, string, string) {}

// AllowAllPolicy permits every operation. The default when no security
// layer is wired in.
type AllowAllPolicy struct{}

// Allow always returns true.
func (AllowAllPolicy) Allow(string, string, ParticipantKind) bool { return true }
