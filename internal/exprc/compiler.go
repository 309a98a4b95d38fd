// Package exprc implements the expression compiler (C4): it lowers
// expression strings (condition `expression`, action `value_expression` /
// `message_expression`) into an evaluable form. Compilation is backed by
// github.com/antonmedv/expr; the DSL's `prefix:name` sensor syntax is not a
// valid expr identifier, so sensor references are rewritten to safe
// identifiers before compilation and mapped back at evaluation time.
package exprc

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"github.com/pulsar-io/beacon/internal/value"
)

// sensorPattern matches `namespace:identifier` tokens, e.g. input:temperature
// or output:fan_state. Namespaces are the four of spec.md §6.1 plus any
// other identifier, since rule authors may reference sensors from a known
// sensor catalog outside those four.
var sensorPattern = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*:[A-Za-z_][A-Za-z0-9_]*\b`)

func sanitize(sensor string) string {
	return "s__" + strings.ReplaceAll(sensor, ":", "__")
}

// Program is a compiled expression: the rewritten expr VM program plus the
// set of original sensor names it references (used by the dependency
// analyzer and the scheduler's fetch list).
type Program struct {
	program *vm.Program
	Sensors []string
	rewrite map[string]string // sanitized identifier -> original sensor name
	source  string
}

// RuntimeError wraps a VM failure (divide by zero, NaN, type mismatch). It
// never aborts a cycle: the evaluator maps it to Indeterminate for the
// containing leaf and increments an error counter, per spec.md §4.8.
type RuntimeError struct {
	Expression string
	Err        error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("exprc: runtime error evaluating %q: %v", e.Expression, e.Err)
}
func (e *RuntimeError) Unwrap() error { return e.Err }

// whitelistedFunctions is the closed function set of spec.md §4.4.
var whitelistedFunctions = []expr.Option{
	expr.Function("abs", func(params ...any) (any, error) {
		return math.Abs(toFloat(params[0])), nil
	}),
	expr.Function("min", func(params ...any) (any, error) {
		a, b := toFloat(params[0]), toFloat(params[1])
		return math.Min(a, b), nil
	}),
	expr.Function("max", func(params ...any) (any, error) {
		a, b := toFloat(params[0]), toFloat(params[1])
		return math.Max(a, b), nil
	}),
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	default:
		return 0
	}
}

// Compile parses and lowers an expression string. The grammar supports
// numeric/boolean/string literals, sensor references, +,-,*,/,%, comparison
// operators, and/or/not (and &&/||/!), parentheses and the whitelisted
// function calls (now, abs, min, max).
func Compile(source string) (*Program, error) {
	rewrite := map[string]string{}
	var sensors []string
	seen := map[string]bool{}
	rewritten := sensorPattern.ReplaceAllStringFunc(source, func(tok string) string {
		id := sanitize(tok)
		rewrite[id] = tok
		if !seen[tok] {
			seen[tok] = true
			sensors = append(sensors, tok)
		}
		return id
	})
	// && / || / ! are valid expr syntax already; "and"/"or"/"not" are too.
	opts := append([]expr.Option{expr.Env(map[string]any{}), expr.Function("now", func(params ...any) (any, error) {
		return float64(nowMillisFunc()), nil
	})}, whitelistedFunctions...)
	program, err := expr.Compile(rewritten, opts...)
	if err != nil {
		return nil, fmt.Errorf("exprc: compile %q: %w", source, err)
	}
	return &Program{program: program, Sensors: sensors, rewrite: rewrite, source: source}, nil
}

// nowMillisFunc is overridable in tests; the scheduler replaces it via
// SetClock every cycle with the cycle's start time (Unix milliseconds), so
// `now()` is stable within a single evaluation.
var nowMillisFunc = func() int64 { return 0 }

// SetClock installs the function `now()` resolves to. The scheduler calls
// this once per cycle with the frozen cycleStart before invoking the
// evaluator, so every rule observes the same `now()` within a cycle.
func SetClock(f func() int64) { nowMillisFunc = f }

// Eval runs the compiled program against a sensor environment. If any
// referenced sensor is Unavailable, Eval short-circuits and returns
// (zero-Value, true, nil) without invoking the VM, per the three-valued-logic
// propagation rule of spec.md §4.4. A VM failure is wrapped in *RuntimeError
// and also reported as indeterminate=true.
func (p *Program) Eval(env map[string]value.Value) (result value.Value, indeterminate bool, err error) {
	native := make(map[string]any, len(p.rewrite))
	for id, sensor := range p.rewrite {
		v, ok := env[sensor]
		if !ok || v.IsUnavailable() {
			return value.Unavailable, true, nil
		}
		native[id] = v.Interface()
	}
	out, runErr := vm.Run(p.program, native)
	if runErr != nil {
		return value.Unavailable, true, &RuntimeError{Expression: p.source, Err: runErr}
	}
	return value.FromInterface(out), false, nil
}

func (p *Program) String() string { return p.source }
