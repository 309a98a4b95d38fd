// Package validate implements the rule validator (C2): referential,
// structural and semantic checks over a parsed dsl.RuleSet, plus the
// compile-time warnings spec.md §4.2 calls for.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pulsar-io/beacon/internal/dsl"
)

// Severity distinguishes fatal diagnostics from advisory ones.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

// Diagnostic is one validator finding, with enough context to report a
// source location back to the rule author.
type Diagnostic struct {
	Severity Severity
	Rule     string
	Message  string
}

func (d Diagnostic) String() string {
	level := "warning"
	if d.Severity == SeverityError {
		level = "error"
	}
	if d.Rule != "" {
		return fmt.Sprintf("[%s] rule %q: %s", level, d.Rule, d.Message)
	}
	return fmt.Sprintf("[%s] %s", level, d.Message)
}

// Errors is the set of fatal diagnostics returned as an error when
// Validate finds at least one.
type Errors []Diagnostic

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, d := range e {
		parts[i] = d.String()
	}
	return strings.Join(parts, "; ")
}

// Options configures validator behavior per spec.md §4.2 / §6.3.
type Options struct {
	// KnownSensors, if non-nil, restricts which non-declared, non-produced
	// sensor names are accepted. A nil catalog skips that check.
	KnownSensors map[string]bool
	MaxDependencyDepth int // default 10, see spec.md §6.3
}

func DefaultOptions() Options { return Options{MaxDependencyDepth: 10} }

var keyNamespaces = []string{"input:", "output:", "state:", "buffer:"}

func hasKnownNamespace(key string) bool {
	for _, ns := range keyNamespaces {
		if strings.HasPrefix(key, ns) {
			return true
		}
	}
	return false
}

var ruleNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks rs for the invariants of spec.md §3/§4.2 and returns the
// (unmodified) rule set, the full diagnostic list (warnings and errors), and
// a non-nil error (of type Errors) iff at least one diagnostic is fatal.
func Validate(rs *dsl.RuleSet, opts Options) (*dsl.RuleSet, []Diagnostic, error) {
	var diags []Diagnostic
	seenNames := map[string]bool{}

	// producedKeys: every key written by a set action anywhere, used to
	// resolve sensor references that are rule outputs rather than inputs.
	producedKeys := map[string]bool{}
	for _, r := range rs.Rules {
		for _, a := range append(append([]dsl.Action{}, r.Actions...), r.Else...) {
			if a.Kind == dsl.ActionSet {
				producedKeys[a.Key] = true
			}
		}
	}

	for _, r := range rs.Rules {
		if !ruleNamePattern.MatchString(r.Name) {
			diags = append(diags, Diagnostic{SeverityError, r.Name, fmt.Sprintf("rule name %q does not match [A-Za-z_][A-Za-z0-9_]*", r.Name)})
		}
		if seenNames[r.Name] {
			diags = append(diags, Diagnostic{SeverityError, r.Name, "duplicate rule name"})
		}
		seenNames[r.Name] = true

		declaredInputs := map[string]bool{}
		for _, in := range r.Inputs {
			if in.Fallback == dsl.FallbackUseLastKnown && in.MaxAgeMillis <= 0 {
				diags = append(diags, Diagnostic{SeverityError, r.Name, fmt.Sprintf("input %q: use_last_known requires a positive max_age", in.ID)})
			}
			if in.Fallback == dsl.FallbackUseDefault && in.DefaultKind == "" {
				diags = append(diags, Diagnostic{SeverityError, r.Name, fmt.Sprintf("input %q: use_default requires a typed default", in.ID)})
			}
			declaredInputs[in.ID] = true
		}

		diags = append(diags, validateGroup(r.Name, r.Conditions.AsCondition(), true)...)

		sensorsSeen := map[string]string{} // lower(sensor) -> original casing
		walkSensors(r.Conditions.AsCondition(), func(sensor string) {
			lower := strings.ToLower(sensor)
			if orig, ok := sensorsSeen[lower]; ok && orig != sensor {
				diags = append(diags, Diagnostic{SeverityWarning, r.Name, fmt.Sprintf("sensor %q referenced with inconsistent casing (%q)", sensor, orig)})
			} else {
				sensorsSeen[lower] = sensor
			}
			if !isKnownSensor(sensor, declaredInputs, producedKeys, opts.KnownSensors) {
				diags = append(diags, Diagnostic{SeverityError, r.Name, fmt.Sprintf("sensor %q is not a declared input, known sensor, or produced output", sensor)})
			}
		})

		for _, a := range r.Actions {
			diags = append(diags, validateAction(r.Name, a)...)
		}
		for _, a := range r.Else {
			diags = append(diags, validateAction(r.Name, a)...)
		}
		if len(r.Actions) == 0 && len(r.Else) == 0 {
			diags = append(diags, Diagnostic{SeverityWarning, r.Name, "rule has no actions in either branch"})
		}
		if len(r.Else) > 0 && allLeavesAlwaysTrue(r.Conditions.AsCondition()) {
			diags = append(diags, Diagnostic{SeverityWarning, r.Name, "else branch is unreachable: primary condition is trivially true"})
		}
	}

	var fatal Errors
	for _, d := range diags {
		if d.Severity == SeverityError {
			fatal = append(fatal, d)
		}
	}
	if len(fatal) > 0 {
		return rs, diags, fatal
	}
	return rs, diags, nil
}

func isKnownSensor(sensor string, declared, produced map[string]bool, catalog map[string]bool) bool {
	if declared[sensor] || produced[sensor] {
		return true
	}
	if catalog != nil {
		return catalog[sensor]
	}
	// No catalog supplied: accept any input:/output:/state: reference as
	// plausibly externally-fed (or produced by a rule outside this plan),
	// since spec.md treats the catalog as optional.
	return strings.HasPrefix(sensor, "input:") || strings.HasPrefix(sensor, "output:") || strings.HasPrefix(sensor, "state:")
}

func validateGroup(rule string, c dsl.Condition, isTop bool) []Diagnostic {
	var diags []Diagnostic
	if c.Kind != dsl.CondGroup {
		return diags
	}
	if len(c.Group) == 0 {
		diags = append(diags, Diagnostic{SeverityError, rule, "empty condition group is invalid"})
		return diags
	}
	for _, child := range c.Group {
		if child.Kind == dsl.CondGroup {
			diags = append(diags, validateGroup(rule, child, false)...)
		} else if child.Kind == dsl.CondThresholdOverTime {
			if !dsl.OrderedOperators[child.ThresholdOp] {
				diags = append(diags, Diagnostic{SeverityError, rule, fmt.Sprintf("threshold_over_time on %q: operator must be one of >,>=,<,<=", child.Sensor)})
			}
			if child.DurationMillis <= 0 {
				diags = append(diags, Diagnostic{SeverityError, rule, fmt.Sprintf("threshold_over_time on %q: duration must be > 0", child.Sensor)})
			}
		}
	}
	return diags
}

func validateAction(rule string, a dsl.Action) []Diagnostic {
	var diags []Diagnostic
	switch a.Kind {
	case dsl.ActionSet, dsl.ActionBuffer:
		if a.Key == "" {
			diags = append(diags, Diagnostic{SeverityError, rule, "set/buffer action requires a non-empty key"})
		} else if !hasKnownNamespace(a.Key) {
			diags = append(diags, Diagnostic{SeverityError, rule, fmt.Sprintf("key %q is not in a configured namespace (input:/output:/state:/buffer:)", a.Key)})
		}
	case dsl.ActionSendMessage:
		if a.Channel == "" {
			diags = append(diags, Diagnostic{SeverityError, rule, "send_message requires a non-empty channel"})
		}
		if a.Message == "" && a.MessageExpression == "" {
			diags = append(diags, Diagnostic{SeverityError, rule, "send_message requires message or message_expression"})
		}
	}
	return diags
}

// walkSensors visits every sensor name referenced by a comparison or
// threshold_over_time leaf in the tree rooted at c. Expression leaves are
// not walked here: their sensor references are resolved by the expression
// compiler (C4), which has the grammar to parse them out.
func walkSensors(c dsl.Condition, visit func(string)) {
	switch c.Kind {
	case dsl.CondComparison, dsl.CondThresholdOverTime:
		if c.Sensor != "" {
			visit(c.Sensor)
		}
	case dsl.CondGroup:
		for _, child := range c.Group {
			walkSensors(child, visit)
		}
	}
}

// allLeavesAlwaysTrue detects the common "always fires" shape (a single
// expression leaf normalized from an `always: true` DSL form) so the
// unreachable-else warning fires only when it is safe to assume so.
func allLeavesAlwaysTrue(c dsl.Condition) bool {
	if c.Kind == dsl.CondExpression {
		return strings.TrimSpace(c.Expression) == "true"
	}
	if c.Kind == dsl.CondGroup && len(c.Group) == 1 {
		return allLeavesAlwaysTrue(c.Group[0])
	}
	return false
}
