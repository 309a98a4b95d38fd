package evaluator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsar-io/beacon/internal/dsl"
	"github.com/pulsar-io/beacon/internal/plan"
	"github.com/pulsar-io/beacon/internal/temporal"
	"github.com/pulsar-io/beacon/internal/validate"
	"github.com/pulsar-io/beacon/internal/value"
)

// compileText is the shared test helper: parse DSL text and compile it into
// a RulePlan, failing the test on any fatal error.
func compileText(t *testing.T, text string, period time.Duration) *plan.RulePlan {
	t.Helper()
	rs, err := dsl.Parse([]byte(text), dsl.FormatYAML)
	require.NoError(t, err)
	p, _, err := plan.Compile(rs, plan.Options{
		Validate:              validate.DefaultOptions(),
		SamplePeriod:          period,
		DefaultBufferCapacity: 100,
	})
	require.NoError(t, err)
	return p
}

// runCycle drives exactly one evaluator cycle the way the scheduler does:
// append the snapshot to the temporal buffer, Evaluate, then commit emit
// state unconditionally (these tests don't exercise store-commit failure,
// which is the scheduler's concern).
func runCycle(e *Evaluator, values map[string]value.Value, now time.Time) *plan.WriteSet {
	for sensor, v := range values {
		e.buf.Append(sensor, v, now)
	}
	ws, pending := e.Evaluate(&plan.CycleSnapshot{Values: values, CycleTime: now}, now)
	e.CommitEmitState(pending)
	return ws
}

// spec.md §8 scenario 1: simple threshold.
func TestEvaluate_SimpleThreshold(t *testing.T) {
	const rules = `
version: 1
rules:
  - name: high_temperature
    inputs:
      - id: input:temperature
    conditions:
      all:
        - type: comparison
          sensor: input:temperature
          operator: ">"
          value: 30
    actions:
      - type: set
        key: output:high_temperature
        value: true
        emit: always
    else:
      - type: set
        key: output:high_temperature
        value: false
        emit: always
`
	p := compileText(t, rules, 100*time.Millisecond)
	e := New(p, temporal.New(100), NewEmitState(), nil)
	now := time.Unix(0, 0)

	ws := runCycle(e, map[string]value.Value{"input:temperature": value.Number(25)}, now)
	assert.Equal(t, value.Bool(false), ws.Sets["output:high_temperature"])

	ws = runCycle(e, map[string]value.Value{"input:temperature": value.Number(35)}, now.Add(100*time.Millisecond))
	assert.Equal(t, value.Bool(true), ws.Sets["output:high_temperature"])
}

// spec.md §8 scenario 2: sustained threshold with an intermediate violation
// resetting the window.
func TestEvaluate_SustainedThresholdResetsOnViolation(t *testing.T) {
	const rules = `
version: 1
rules:
  - name: sustained_high
    inputs:
      - id: input:temperature
    conditions:
      all:
        - type: threshold_over_time
          sensor: input:temperature
          operator: ">"
          threshold: 75
          duration: 10s
    actions:
      - type: set
        key: output:sustained_high
        value: true
        emit: always
    else:
      - type: set
        key: output:sustained_high
        value: false
        emit: always
`
	p := compileText(t, rules, time.Second)
	buf := temporal.New(100)
	for sensor, cap := range p.SensorCapacity {
		buf.EnsureCapacity(sensor, cap)
	}
	e := New(p, buf, NewEmitState(), nil)

	base := time.Unix(0, 0)
	var ws *plan.WriteSet
	for i := 0; i < 11; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		v := 76.0
		if i == 5 {
			v = 74.0 // intermediate violation: resets the continuously-true window
		}
		ws = runCycle(e, map[string]value.Value{"input:temperature": value.Number(v)}, now)
	}
	// at i=10 the window [0s,10s] still contains the i=5 violator (74 at t=5s
	// falls in [now-10s, now] = [0s,10s]), so the sustained condition has not
	// yet re-accumulated 10s of pure >75 samples.
	assert.Equal(t, value.Bool(false), ws.Sets["output:sustained_high"])

	// ten more seconds of 76 with no violator now fully covers a fresh window.
	for i := 11; i <= 20; i++ {
		now := base.Add(time.Duration(i) * time.Second)
		ws = runCycle(e, map[string]value.Value{"input:temperature": value.Number(76)}, now)
	}
	assert.Equal(t, value.Bool(true), ws.Sets["output:sustained_high"])
}

// spec.md §8 scenario 3: cascade across dependency layers.
func TestEvaluate_CascadeAcrossLayers(t *testing.T) {
	const rules = `
version: 1
rules:
  - name: normalize
    inputs:
      - id: input:temperature
    conditions:
      all:
        - type: comparison
          sensor: input:temperature
          operator: ">"
          value: -273
    actions:
      - type: set
        key: output:normalized
        value_expression: "input:temperature / 100"
        emit: always

  - name: alert_level
    inputs:
      - id: output:normalized
    conditions:
      all:
        - type: comparison
          sensor: output:normalized
          operator: ">"
          value: -1000
    actions:
      - type: set
        key: output:alert_level
        value_expression: "output:normalized * 10"
        emit: always
`
	p := compileText(t, rules, 100*time.Millisecond)
	require.Len(t, p.Layers, 2)
	e := New(p, temporal.New(100), NewEmitState(), nil)

	// Both rules run within the same cycle: layer order makes rule B see
	// rule A's staged output: the normalized->alert_level cascade completes
	// in a single cycle, not across cycle boundaries.
	ws := runCycle(e, map[string]value.Value{"input:temperature": value.Number(30)}, time.Unix(0, 0))
	assert.InDelta(t, 0.3, ws.Sets["output:normalized"].Num, 1e-9)
	assert.InDelta(t, 3.0, ws.Sets["output:alert_level"].Num, 1e-9)
}

// spec.md §8 scenario 4: on_change emit only stages a write when the
// committed value actually differs from the prior cycle's.
func TestEvaluate_OnChangeEmitsOnlyOnTransition(t *testing.T) {
	const rules = `
version: 1
rules:
  - name: fan_state
    inputs:
      - id: input:switch
    conditions:
      all:
        - type: comparison
          sensor: input:switch
          operator: "=="
          value: "on"
    actions:
      - type: set
        key: output:fan_state
        value_expression: "input:switch"
        emit: on_change
    else:
      - type: set
        key: output:fan_state
        value_expression: "input:switch"
        emit: on_change
`
	p := compileText(t, rules, 100*time.Millisecond)
	e := New(p, temporal.New(100), NewEmitState(), nil)

	sequence := []string{"on", "on", "off", "off"}
	var committed []bool
	for i, s := range sequence {
		now := time.Unix(0, 0).Add(time.Duration(i) * 100 * time.Millisecond)
		ws := runCycle(e, map[string]value.Value{"input:switch": value.String(s)}, now)
		_, ok := ws.Sets["output:fan_state"]
		committed = append(committed, ok)
	}
	assert.Equal(t, []bool{true, false, true, false}, committed)
}

// spec.md §8 scenario 5: indeterminate propagation through an `all` group
// with one unavailable operand suppresses the primary branch and fires else.
func TestEvaluate_IndeterminatePropagationFiresElse(t *testing.T) {
	const rules = `
version: 1
rules:
  - name: combined
    inputs:
      - id: input:a
      - id: input:b
    conditions:
      all:
        - type: comparison
          sensor: input:a
          operator: ">"
          value: 0
        - type: comparison
          sensor: input:b
          operator: "=="
          value: true
    actions:
      - type: set
        key: output:combined
        value: true
        emit: always
    else:
      - type: set
        key: output:combined
        value: false
        emit: always
`
	p := compileText(t, rules, 100*time.Millisecond)
	e := New(p, temporal.New(100), NewEmitState(), nil)

	ws := runCycle(e, map[string]value.Value{
		"input:a": value.Unavailable,
		"input:b": value.Bool(true),
	}, time.Unix(0, 0))
	assert.Equal(t, value.Bool(false), ws.Sets["output:combined"])
}

// spec.md §4.8: an input with fallback=skip_rule that remains unavailable
// suppresses the whole rule, including its else branch.
func TestEvaluate_SkipRuleFallbackSuppressesElseToo(t *testing.T) {
	const rules = `
version: 1
rules:
  - name: gated
    inputs:
      - id: input:gate
        fallback: skip_rule
    conditions:
      all:
        - type: comparison
          sensor: input:gate
          operator: "=="
          value: true
    actions:
      - type: set
        key: output:gated
        value: true
        emit: always
    else:
      - type: set
        key: output:gated
        value: false
        emit: always
`
	p := compileText(t, rules, 100*time.Millisecond)
	e := New(p, temporal.New(100), NewEmitState(), nil)

	ws := runCycle(e, map[string]value.Value{"input:gate": value.Unavailable}, time.Unix(0, 0))
	_, ok := ws.Sets["output:gated"]
	assert.False(t, ok, "skip_rule must suppress both branches, including else")
}

// spec.md §4.8: use_last_known substitutes the last observed reading while
// still within max_age, and reverts to Unavailable once it's stale.
func TestEvaluate_UseLastKnownFallbackExpiresAfterMaxAge(t *testing.T) {
	const rules = `
version: 1
rules:
  - name: stale_aware
    inputs:
      - id: input:temperature
        fallback: use_last_known
        max_age: 500ms
    conditions:
      all:
        - type: comparison
          sensor: input:temperature
          operator: ">"
          value: 30
    actions:
      - type: set
        key: output:alert
        value: true
        emit: always
    else:
      - type: set
        key: output:alert
        value: false
        emit: always
`
	p := compileText(t, rules, 100*time.Millisecond)
	e := New(p, temporal.New(100), NewEmitState(), nil)

	base := time.Unix(0, 0)
	runCycle(e, map[string]value.Value{"input:temperature": value.Number(35)}, base)

	// 200ms later: within max_age, last known 35 should still satisfy >30.
	ws := runCycle(e, map[string]value.Value{"input:temperature": value.Unavailable}, base.Add(200*time.Millisecond))
	assert.Equal(t, value.Bool(true), ws.Sets["output:alert"])

	// 900ms after the original reading: stale, falls back to Unavailable,
	// condition is Indeterminate, else branch fires.
	ws = runCycle(e, map[string]value.Value{"input:temperature": value.Unavailable}, base.Add(900*time.Millisecond))
	assert.Equal(t, value.Bool(false), ws.Sets["output:alert"])
}

// spec.md §8 testable property: if every input of a rule is Unavailable, the
// rule's always-emit primary actions never fire; the else branch does.
func TestEvaluate_AllInputsUnavailableNeverFiresPrimary(t *testing.T) {
	const rules = `
version: 1
rules:
  - name: needs_both
    inputs:
      - id: input:a
      - id: input:b
    conditions:
      all:
        - type: comparison
          sensor: input:a
          operator: ">"
          value: 0
    actions:
      - type: set
        key: output:result
        value: true
        emit: always
    else:
      - type: set
        key: output:result
        value: false
        emit: always
`
	p := compileText(t, rules, 100*time.Millisecond)
	e := New(p, temporal.New(100), NewEmitState(), nil)
	ws := runCycle(e, map[string]value.Value{
		"input:a": value.Unavailable,
		"input:b": value.Unavailable,
	}, time.Unix(0, 0))
	assert.Equal(t, value.Bool(false), ws.Sets["output:result"])
}
