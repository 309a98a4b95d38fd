// Package metrics wires the engine's Prometheus collectors, grounded on the
// teacher's internal/metrics/collector.go (promauto registration shape,
// CounterVec/Gauge/Histogram field layout) but narrowed to the semantic set
// spec.md §6.5 names instead of the teacher's alert/notification/kafka
// metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pulsar-io/beacon/internal/value"
)

// Collector implements evaluator.Metrics and additionally exposes the
// scheduler- and store-facing gauges/counters/histograms spec.md §6.5
// names. One Collector is built per process and registered against the
// default Prometheus registry.
type Collector struct {
	cycleTimeMs     prometheus.Gauge
	cycleDelayMs    prometheus.Gauge
	cycleOverruns   prometheus.Counter

	ruleEvaluations   *prometheus.CounterVec
	ruleDuration      *prometheus.HistogramVec
	ruleIndeterminate *prometheus.CounterVec
	ruleRuntimeErrors *prometheus.CounterVec
	conflictingWrites *prometheus.CounterVec

	outputEvents *prometheus.CounterVec

	redisOps         *prometheus.CounterVec
	redisOpDuration  *prometheus.HistogramVec
	redisConnActive  prometheus.Gauge

	windowTrackerState *prometheus.GaugeVec
}

// New registers every Beacon metric with promauto (the default registerer),
// the way the teacher's Collector.RegisterMetrics does.
func New() *Collector {
	return &Collector{
		cycleTimeMs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_cycle_time_ms",
			Help: "Wall-clock duration of the most recently completed cycle, in milliseconds.",
		}),
		cycleDelayMs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_cycle_delay_ms",
			Help: "Milliseconds the most recent cycle ran past its configured period (0 if on time).",
		}),
		cycleOverruns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "beacon_cycle_overruns_total",
			Help: "Number of cycles that exceeded the configured cycle period.",
		}),
		ruleEvaluations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_rule_evaluations_total",
			Help: "Rule evaluations by rule and Kleene result.",
		}, []string{"rule", "result"}),
		ruleDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_rule_execution_duration_seconds",
			Help:    "Per-rule evaluation duration.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12),
		}, []string{"rule"}),
		ruleIndeterminate: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_rule_indeterminate_total",
			Help: "Evaluations of a rule whose condition resolved Indeterminate.",
		}, []string{"rule"}),
		ruleRuntimeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_rule_runtime_errors_total",
			Help: "Expression runtime errors (divide-by-zero, NaN, type mismatch) by rule.",
		}, []string{"rule"}),
		conflictingWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_conflicting_writes_total",
			Help: "Same-cycle writes to a key with a differing non-constant value.",
		}, []string{"key"}),
		outputEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_output_events_total",
			Help: "Set/buffer outputs staged for commit, by key.",
		}, []string{"key"}),
		redisOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_redis_operations_total",
			Help: "Store adapter operations by kind.",
		}, []string{"op"}),
		redisOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_redis_operation_duration_seconds",
			Help:    "Store adapter operation latency by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		redisConnActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_redis_connections_active",
			Help: "Connections currently checked out of the pool.",
		}),
		windowTrackerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beacon_window_tracker_state",
			Help: "1 if a threshold_over_time window for rule/sensor is currently satisfied, else 0.",
		}, []string{"rule", "sensor"}),
	}
}

// evaluator.Metrics implementation.

func (c *Collector) RecordRuleEvaluation(rule string, result value.Tri) {
	c.ruleEvaluations.WithLabelValues(rule, result.String()).Inc()
}

func (c *Collector) RecordIndeterminate(rule string) {
	c.ruleIndeterminate.WithLabelValues(rule).Inc()
}

func (c *Collector) RecordRuntimeError(rule string) {
	c.ruleRuntimeErrors.WithLabelValues(rule).Inc()
}

func (c *Collector) RecordOutputEvent(key string) {
	c.outputEvents.WithLabelValues(key).Inc()
}

func (c *Collector) RecordConflictingWrite(key string) {
	c.conflictingWrites.WithLabelValues(key).Inc()
}

// RuleDuration records how long one rule's evaluation took.
func (c *Collector) RuleDuration(rule string, d time.Duration) {
	c.ruleDuration.WithLabelValues(rule).Observe(d.Seconds())
}

// Scheduler-facing observations (C7).

func (c *Collector) RecordCycle(duration time.Duration, period time.Duration) {
	c.cycleTimeMs.Set(float64(duration.Milliseconds()))
	if duration > period {
		delay := duration - period
		c.cycleDelayMs.Set(float64(delay.Milliseconds()))
		c.cycleOverruns.Inc()
	} else {
		c.cycleDelayMs.Set(0)
	}
}

// Store-facing observations (C6).

func (c *Collector) RecordRedisOp(op string, d time.Duration) {
	c.redisOps.WithLabelValues(op).Inc()
	c.redisOpDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collector) SetRedisConnectionsActive(n int) {
	c.redisConnActive.Set(float64(n))
}

func (c *Collector) SetWindowTrackerState(rule, sensor string, satisfied bool) {
	v := 0.0
	if satisfied {
		v = 1.0
	}
	c.windowTrackerState.WithLabelValues(rule, sensor).Set(v)
}
