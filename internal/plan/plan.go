package plan

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/pulsar-io/beacon/internal/depgraph"
	"github.com/pulsar-io/beacon/internal/dsl"
	"github.com/pulsar-io/beacon/internal/exprc"
	"github.com/pulsar-io/beacon/internal/temporal"
	"github.com/pulsar-io/beacon/internal/validate"
)

// planNamespace scopes the content-derived plan IDs Compile assigns, so they
// never collide with UUIDs minted elsewhere in the process.
var planNamespace = uuid.MustParse("6f6d9b0e-6e8b-4c2a-9e2d-6a7f0c8d9b1a")

// CompiledCondition mirrors dsl.Condition with expression leaves pre-
// compiled to an exprc.Program, so the evaluator never compiles anything
// at cycle time.
type CompiledCondition struct {
	Kind dsl.ConditionKind

	// comparison
	Sensor       string
	Operator     dsl.Operator
	Value        dsl.Literal
	PropertyPath []string

	// expression
	Program *exprc.Program

	// threshold_over_time (Sensor above doubles as the windowed sensor)
	ThresholdOp  dsl.Operator
	Threshold    dsl.Literal
	Duration     time.Duration
	TemporalMode temporal.Mode

	// group
	GroupKind dsl.ConditionGroupKind
	Group     []CompiledCondition
}

// CompiledAction mirrors dsl.Action with any value/message expression
// pre-compiled.
type CompiledAction struct {
	Kind    dsl.ActionKind
	Emit    dsl.EmitKind
	Key     string
	Value   *dsl.Literal
	Program *exprc.Program // compiled ValueExpression or MessageExpression, if present
	MaxItems int
	Message string
	Channel string
}

// CompiledRule is one rule with every expression and threshold window
// pre-compiled, ready for repeated per-cycle evaluation.
type CompiledRule struct {
	Name       string
	Inputs     []dsl.Input
	Conditions CompiledCondition
	Actions    []CompiledAction
	Else       []CompiledAction
}

// RulePlan is the immutable compiled artifact produced once at startup from
// a validated rule set: ordered dependency layers of compiled rules, the
// full set of sensor keys the scheduler must fetch each cycle, and the
// per-sensor temporal buffer capacity the compiler has sized.
type RulePlan struct {
	// ID identifies this compiled plan for log correlation. It is derived
	// from the validated rule set's content (see planID): recompiling the
	// same rule set yields the same ID, a changed rule set a different one.
	ID              string
	Layers          [][]*CompiledRule
	RulesByName     map[string]*CompiledRule
	Sensors         []string
	SensorCapacity  map[string]int
}

// Options configures compilation beyond what's in the DSL text itself.
type Options struct {
	Validate      validate.Options
	SamplePeriod  time.Duration // the scheduler's cycle period; sizes temporal capacity
	DefaultBufferCapacity int
}

// Compile runs the full front end (validate -> depgraph -> expression
// compilation -> temporal sizing) and produces an immutable RulePlan.
// Diagnostics (warnings) are returned alongside a successful plan; a fatal
// error (ParseError/ValidationError/DependencyError) means plan is nil.
func Compile(rs *dsl.RuleSet, opts Options) (*RulePlan, []validate.Diagnostic, error) {
	validated, diags, err := validate.Validate(rs, opts.Validate)
	if err != nil {
		return nil, diags, err
	}

	layers, err := depgraph.Analyze(validated)
	if err != nil {
		return nil, diags, err
	}

	byName := make(map[string]dsl.Rule, len(validated.Rules))
	for _, r := range validated.Rules {
		byName[r.Name] = r
	}

	plan := &RulePlan{
		ID:             planID(validated),
		RulesByName:    make(map[string]*CompiledRule, len(validated.Rules)),
		SensorCapacity: make(map[string]int),
	}
	sensorSet := make(map[string]bool)

	for _, layerNames := range layers {
		var layer []*CompiledRule
		for _, name := range layerNames {
			r := byName[name]
			cr, err := compileRule(r, opts, sensorSet, plan.SensorCapacity)
			if err != nil {
				return nil, diags, err
			}
			plan.RulesByName[name] = cr
			layer = append(layer, cr)
		}
		plan.Layers = append(plan.Layers, layer)
	}

	plan.Sensors = make([]string, 0, len(sensorSet))
	for s := range sensorSet {
		plan.Sensors = append(plan.Sensors, s)
	}
	return plan, diags, nil
}

// planID derives a stable identifier from the validated rule set's content,
// so compiling the same DSL text twice yields the same RulePlan.ID (the
// compiler's idempotence property extends to the ID field, not just layer
// order). Two different rule sets collide only as likely as SHA-1 collides.
func planID(rs *dsl.RuleSet) string {
	canonical, err := json.Marshal(rs)
	if err != nil {
		return uuid.NewString()
	}
	return uuid.NewSHA1(planNamespace, canonical).String()
}

func compileRule(r dsl.Rule, opts Options, sensors map[string]bool, capacities map[string]int) (*CompiledRule, error) {
	for _, in := range r.Inputs {
		sensors[in.ID] = true
	}
	cond, err := compileCondition(r.Conditions.AsCondition(), opts, sensors, capacities)
	if err != nil {
		return nil, err
	}
	actions, err := compileActions(r.Actions, opts, sensors)
	if err != nil {
		return nil, err
	}
	elseActions, err := compileActions(r.Else, opts, sensors)
	if err != nil {
		return nil, err
	}
	return &CompiledRule{
		Name:       r.Name,
		Inputs:     r.Inputs,
		Conditions: cond,
		Actions:    actions,
		Else:       elseActions,
	}, nil
}

func compileCondition(c dsl.Condition, opts Options, sensors map[string]bool, capacities map[string]int) (CompiledCondition, error) {
	switch c.Kind {
	case dsl.CondComparison:
		sensors[c.Sensor] = true
		return CompiledCondition{
			Kind:         c.Kind,
			Sensor:       c.Sensor,
			Operator:     c.Operator,
			Value:        c.Value,
			PropertyPath: c.PropertyPath,
		}, nil
	case dsl.CondExpression:
		prog, err := exprc.Compile(c.Expression)
		if err != nil {
			return CompiledCondition{}, err
		}
		for _, s := range prog.Sensors {
			sensors[s] = true
		}
		return CompiledCondition{Kind: c.Kind, Program: prog}, nil
	case dsl.CondThresholdOverTime:
		sensors[c.Sensor] = true
		duration := time.Duration(c.DurationMillis) * time.Millisecond
		samplePeriod := opts.SamplePeriod
		if samplePeriod <= 0 {
			samplePeriod = 100 * time.Millisecond
		}
		capacity := temporal.ComputeCapacity(duration, samplePeriod)
		if existing := capacities[c.Sensor]; capacity > existing {
			capacities[c.Sensor] = capacity
		}
		return CompiledCondition{
			Kind:         c.Kind,
			Sensor:       c.Sensor,
			ThresholdOp:  c.ThresholdOp,
			Threshold:    c.Threshold,
			Duration:     duration,
			TemporalMode: temporal.ModeFromDSL(c.TemporalMode),
		}, nil
	case dsl.CondGroup:
		children := make([]CompiledCondition, 0, len(c.Group))
		for _, child := range c.Group {
			compiled, err := compileCondition(child, opts, sensors, capacities)
			if err != nil {
				return CompiledCondition{}, err
			}
			children = append(children, compiled)
		}
		return CompiledCondition{Kind: c.Kind, GroupKind: c.GroupKind, Group: children}, nil
	default:
		return CompiledCondition{}, nil
	}
}

func compileActions(actions []dsl.Action, opts Options, sensors map[string]bool) ([]CompiledAction, error) {
	out := make([]CompiledAction, 0, len(actions))
	for _, a := range actions {
		compiled := CompiledAction{
			Kind:     a.Kind,
			Emit:     a.Emit,
			Key:      a.Key,
			Value:    a.Value,
			MaxItems: a.MaxItems,
			Message:  a.Message,
			Channel:  a.Channel,
		}
		expr := a.ValueExpression
		if a.Kind == dsl.ActionSendMessage {
			expr = a.MessageExpression
		}
		if expr != "" {
			prog, err := exprc.Compile(expr)
			if err != nil {
				return nil, err
			}
			for _, s := range prog.Sensors {
				sensors[s] = true
			}
			compiled.Program = prog
		}
		out = append(out, compiled)
	}
	return out, nil
}
