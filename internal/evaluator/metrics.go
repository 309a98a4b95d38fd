package evaluator

import (
	"time"

	"github.com/pulsar-io/beacon/internal/value"
)

// Metrics receives the evaluator's per-cycle observations. internal/metrics
// implements this against Prometheus collectors; tests use NoopMetrics.
// Defined here (rather than imported from internal/metrics) so this package
// never depends on the Prometheus client.
type Metrics interface {
	RecordRuleEvaluation(rule string, result value.Tri)
	RecordIndeterminate(rule string)
	RecordRuntimeError(rule string)
	RecordOutputEvent(key string)
	RecordConflictingWrite(key string)
	RuleDuration(rule string, d time.Duration)
	SetWindowTrackerState(rule, sensor string, satisfied bool)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) RecordRuleEvaluation(string, value.Tri) {}
func (NoopMetrics) RecordIndeterminate(string)             {}
func (NoopMetrics) RecordRuntimeError(string)              {}
func (NoopMetrics) RecordOutputEvent(string)               {}
func (NoopMetrics) RecordConflictingWrite(string)          {}
func (NoopMetrics) RuleDuration(string, time.Duration)     {}
func (NoopMetrics) SetWindowTrackerState(string, string, bool) {}
