// Package evaluator implements the rule evaluator (C8): given a compiled
// RulePlan and one cycle's input snapshot, it walks every rule in
// dependency-layer order, resolves Kleene three-valued condition results,
// selects a branch, and stages emit-modifier-gated actions into a WriteSet
// for the scheduler to commit.
package evaluator

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pulsar-io/beacon/internal/dsl"
	"github.com/pulsar-io/beacon/internal/exprc"
	"github.com/pulsar-io/beacon/internal/plan"
	"github.com/pulsar-io/beacon/internal/temporal"
	"github.com/pulsar-io/beacon/internal/value"
)

// Evaluator runs a compiled RulePlan against successive cycle snapshots. It
// holds no per-cycle state itself; all cross-cycle memory lives in the
// EmitState and Buffer it was built with.
type Evaluator struct {
	plan    *plan.RulePlan
	buf     *temporal.Buffer
	emit    *EmitState
	metrics Metrics
}

// New builds an Evaluator. metrics may be nil, in which case observations
// are discarded.
func New(p *plan.RulePlan, buf *temporal.Buffer, emit *EmitState, metrics Metrics) *Evaluator {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Evaluator{plan: p, buf: buf, emit: emit, metrics: metrics}
}

// writtenBy records which rule last staged a given output key this cycle,
// so a second rule writing the same key to a differing value can be
// reported without disturbing the last-writer-wins result.
type writtenBy struct {
	rule  string
	value value.Value
}

// cycleCtx threads one cycle's working state through rule evaluation. It is
// built fresh by Evaluate and never retained, so Evaluate itself is safe to
// call from a single scheduler goroutine without locking.
type cycleCtx struct {
	env     map[string]value.Value
	ws      *plan.WriteSet
	pending *pendingEmit
	now     time.Time
	written map[string]writtenBy
}

// Evaluate runs every rule in dependency-layer order and returns the
// cycle's staged WriteSet together with the EmitState updates the scheduler
// must apply via EmitState.Commit once that WriteSet (and any Messages) are
// durably written. Until Commit is called, the next Evaluate call still
// compares against the prior baseline, so a failed write is retried with
// the same emit decisions the following cycle.
func (e *Evaluator) Evaluate(snapshot *plan.CycleSnapshot, now time.Time) (*plan.WriteSet, *pendingEmit) {
	e.emit.observeSnapshot(snapshot.Values, now)

	ctx := &cycleCtx{
		env:     make(map[string]value.Value, len(snapshot.Values)),
		ws:      plan.NewWriteSet(),
		pending: newPendingEmit(),
		now:     now,
		written: make(map[string]writtenBy),
	}
	for k, v := range snapshot.Values {
		ctx.env[k] = v
	}

	// Layer order guarantees that when a rule in layer N reads an output
	// a rule in layer N-1 produces, that output is already in ctx.env.
	for _, layer := range e.plan.Layers {
		for _, rule := range layer {
			e.evaluateRule(rule, ctx)
		}
	}
	return ctx.ws, ctx.pending
}

// CommitEmitState applies a cycle's pending emit-state updates once the
// scheduler has confirmed the corresponding WriteBatch succeeded. Until
// called, the baseline Evaluate compares against is unchanged, so a
// discarded commit is safely re-staged on the next cycle.
func (e *Evaluator) CommitEmitState(p *pendingEmit) {
	e.emit.Commit(p)
}

func (e *Evaluator) evaluateRule(rule *plan.CompiledRule, ctx *cycleCtx) {
	start := time.Now()
	defer func() { e.metrics.RuleDuration(rule.Name, time.Since(start)) }()

	resolved, skip := e.resolveInputs(rule, ctx)
	if skip {
		return
	}
	for k, v := range resolved {
		ctx.env[k] = v
	}

	result := e.evalCondition(rule.Name, rule.Conditions, ctx.env, ctx.now)
	e.metrics.RecordRuleEvaluation(rule.Name, result)
	if result == value.Indeterminate {
		e.metrics.RecordIndeterminate(rule.Name)
	}

	var actions []plan.CompiledAction
	selected := branchNone
	switch result {
	case value.True:
		actions = rule.Actions
		selected = branchPrimary
	default:
		if len(rule.Else) > 0 {
			actions = rule.Else
			selected = branchElse
		}
	}

	entered := e.emit.previousBranch(rule.Name) != selected
	ctx.pending.branches[rule.Name] = selected

	for i, a := range actions {
		e.stageAction(rule.Name, i, a, ctx, entered)
	}
}

// resolveInputs applies each declared input's missing-data fallback when its
// snapshot reading is Unavailable. It returns the resolved overrides to
// merge into the evaluation environment, and skip=true if a
// FallbackSkipRule input remains unavailable, meaning the whole rule (and
// its else branch) is skipped this cycle.
func (e *Evaluator) resolveInputs(rule *plan.CompiledRule, ctx *cycleCtx) (map[string]value.Value, bool) {
	var resolved map[string]value.Value
	for _, in := range rule.Inputs {
		v := ctx.env[in.ID]
		if !v.IsUnavailable() {
			continue
		}
		switch in.Fallback {
		case dsl.FallbackUseDefault:
			if resolved == nil {
				resolved = make(map[string]value.Value)
			}
			resolved[in.ID] = defaultLiteralValue(in)
		case dsl.FallbackUseLastKnown:
			maxAge := time.Duration(in.MaxAgeMillis) * time.Millisecond
			if lk, ok := e.emit.lastKnownWithin(in.ID, maxAge, ctx.now); ok {
				if resolved == nil {
					resolved = make(map[string]value.Value)
				}
				resolved[in.ID] = lk
			}
		case dsl.FallbackSkipRule:
			return nil, true
		default:
			// propagate_unavailable: the condition tree sees Unavailable
			// and resolves to Indeterminate on its own.
		}
	}
	return resolved, false
}

func defaultLiteralValue(in dsl.Input) value.Value {
	switch in.DefaultKind {
	case "number":
		return value.Number(in.DefaultNum)
	case "bool":
		return value.Bool(in.DefaultBool)
	case "string":
		return value.String(in.DefaultStr)
	default:
		return value.Unavailable
	}
}

func literalToValue(lit dsl.Literal) value.Value {
	switch lit.Kind {
	case dsl.LitNumber:
		return value.Number(lit.Num)
	case dsl.LitBool:
		return value.Bool(lit.Bool)
	case dsl.LitString:
		return value.String(lit.Str)
	default:
		return value.Unavailable
	}
}

func (e *Evaluator) evalCondition(ruleName string, c plan.CompiledCondition, env map[string]value.Value, now time.Time) value.Tri {
	switch c.Kind {
	case dsl.CondComparison:
		return e.evalComparison(c, env)
	case dsl.CondExpression:
		return e.evalExpression(ruleName, c, env)
	case dsl.CondThresholdOverTime:
		result := e.buf.SatisfiesThresholdFor(c.Sensor, c.ThresholdOp, c.Threshold.Num, c.Duration, now, c.TemporalMode)
		e.metrics.SetWindowTrackerState(ruleName, c.Sensor, result == value.True)
		return result
	case dsl.CondGroup:
		results := make([]value.Tri, 0, len(c.Group))
		for _, child := range c.Group {
			results = append(results, e.evalCondition(ruleName, child, env, now))
		}
		if c.GroupKind == dsl.GroupAny {
			return value.Any(results)
		}
		return value.All(results)
	default:
		return value.Indeterminate
	}
}

func (e *Evaluator) evalComparison(c plan.CompiledCondition, env map[string]value.Value) value.Tri {
	sensorVal, ok := env[c.Sensor]
	if !ok || sensorVal.IsUnavailable() {
		return value.Indeterminate
	}
	if len(c.PropertyPath) > 0 {
		resolved, err := exprc.ResolveProperty(sensorVal, c.PropertyPath)
		if err != nil || resolved.IsUnavailable() {
			return value.Indeterminate
		}
		sensorVal = resolved
	}

	litVal := literalToValue(c.Value)
	switch c.Operator {
	case dsl.OpEQ:
		return value.TriFromBool(sensorVal.Equal(litVal))
	case dsl.OpNE:
		return value.TriFromBool(!sensorVal.Equal(litVal))
	case dsl.OpGT, dsl.OpGE, dsl.OpLT, dsl.OpLE:
		if sensorVal.Kind != value.KindNumber || litVal.Kind != value.KindNumber {
			return value.Indeterminate
		}
		switch c.Operator {
		case dsl.OpGT:
			return value.TriFromBool(sensorVal.Num > litVal.Num)
		case dsl.OpGE:
			return value.TriFromBool(sensorVal.Num >= litVal.Num)
		case dsl.OpLT:
			return value.TriFromBool(sensorVal.Num < litVal.Num)
		default:
			return value.TriFromBool(sensorVal.Num <= litVal.Num)
		}
	default:
		return value.Indeterminate
	}
}

func (e *Evaluator) evalExpression(ruleName string, c plan.CompiledCondition, env map[string]value.Value) value.Tri {
	result, indeterminate, err := c.Program.Eval(env)
	if err != nil {
		e.metrics.RecordRuntimeError(ruleName)
		return value.Indeterminate
	}
	if indeterminate || result.Kind != value.KindBool {
		return value.Indeterminate
	}
	return value.TriFromBool(result.Bool)
}

func (e *Evaluator) stageAction(ruleName string, idx int, a plan.CompiledAction, ctx *cycleCtx, entered bool) {
	switch a.Kind {
	case dsl.ActionSet:
		v, ok := e.actionValue(ruleName, a, ctx.env)
		if !ok {
			return
		}
		// A later rule in this cycle (or a later layer) may read this
		// output; make it visible immediately regardless of whether it
		// ends up emitted, since fallback resolution already saw a
		// snapshot read and a non-emitted value is still "current".
		ctx.env[a.Key] = v
		e.recordWrite(ruleName, a.Key, v, ctx)
		if !e.shouldEmitValue(a.Emit, a.Key, v, entered) {
			return
		}
		ctx.ws.Set(a.Key, v)
		ctx.pending.values[a.Key] = v
		e.metrics.RecordOutputEvent(a.Key)

	case dsl.ActionBuffer:
		v, ok := e.actionValue(ruleName, a, ctx.env)
		if !ok {
			return
		}
		bufKey := "buffer:" + a.Key
		e.recordWrite(ruleName, bufKey, v, ctx)
		if !e.shouldEmitValue(a.Emit, bufKey, v, entered) {
			return
		}
		ctx.ws.AppendBuffer(a.Key, v, a.MaxItems)
		ctx.pending.values[bufKey] = v
		e.metrics.RecordOutputEvent(a.Key)

	case dsl.ActionLog:
		key := fmt.Sprintf("log:%s:%d", ruleName, idx)
		if !e.shouldEmitMessage(a.Emit, key, a.Message, entered) {
			return
		}
		ctx.ws.Publish("log", a.Message)
		ctx.pending.messages[key] = a.Message

	case dsl.ActionSendMessage:
		msg, ok := e.actionMessage(ruleName, a, ctx.env)
		if !ok {
			return
		}
		key := fmt.Sprintf("channel:%s:%s:%d", a.Channel, ruleName, idx)
		if !e.shouldEmitMessage(a.Emit, key, msg, entered) {
			return
		}
		ctx.ws.Publish(a.Channel, msg)
		ctx.pending.messages[key] = msg
	}
}

// recordWrite tracks which rule most recently staged key this cycle. When a
// second rule stages a differing, non-constant value for the same key
// within the same cycle, it's reported as a conflict: the later write still
// wins (matching plan.WriteSet.Set's overwrite-by-call-order), but an
// operator needs to know two rules disagree on a key's value.
func (e *Evaluator) recordWrite(ruleName, key string, v value.Value, ctx *cycleCtx) {
	if prev, ok := ctx.written[key]; ok && prev.rule != ruleName && !prev.value.Equal(v) {
		e.metrics.RecordConflictingWrite(key)
	}
	ctx.written[key] = writtenBy{rule: ruleName, value: v}
}

func (e *Evaluator) actionValue(ruleName string, a plan.CompiledAction, env map[string]value.Value) (value.Value, bool) {
	if a.Program != nil {
		result, indeterminate, err := a.Program.Eval(env)
		if err != nil {
			e.metrics.RecordRuntimeError(ruleName)
			return value.Unavailable, false
		}
		if indeterminate {
			return value.Unavailable, false
		}
		return result, true
	}
	if a.Value != nil {
		return literalToValue(*a.Value), true
	}
	return value.Unavailable, false
}

func (e *Evaluator) actionMessage(ruleName string, a plan.CompiledAction, env map[string]value.Value) (string, bool) {
	if a.Program != nil {
		result, indeterminate, err := a.Program.Eval(env)
		if err != nil {
			e.metrics.RecordRuntimeError(ruleName)
			return "", false
		}
		if indeterminate {
			return "", false
		}
		return formatValue(result), true
	}
	return a.Message, true
}

func formatValue(v value.Value) string {
	switch v.Kind {
	case value.KindString:
		return v.Str
	case value.KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case value.KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return fmt.Sprint(v.Interface())
	}
}

func (e *Evaluator) shouldEmitValue(emit dsl.EmitKind, key string, v value.Value, entered bool) bool {
	switch emit {
	case dsl.EmitOnEnter:
		return entered
	case dsl.EmitOnChange:
		prev, ok := e.emit.previousValue(key)
		return !ok || !prev.Equal(v)
	default: // EmitAlways
		return true
	}
}

func (e *Evaluator) shouldEmitMessage(emit dsl.EmitKind, key, msg string, entered bool) bool {
	switch emit {
	case dsl.EmitOnEnter:
		return entered
	case dsl.EmitOnChange:
		prev, ok := e.emit.previousMessage(key)
		return !ok || prev != msg
	default: // EmitAlways
		return true
	}
}
