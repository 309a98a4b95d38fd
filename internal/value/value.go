// Package value holds the tagged value type and three-valued logic shared
// by the expression compiler, temporal buffer, and evaluator. It has no
// internal dependencies so those packages can all depend on it without a
// cycle back through internal/plan.
package value

import "fmt"

// Kind tags the dynamic type of a sensor or output value.
type Kind int

const (
	KindUnavailable Kind = iota
	KindNumber
	KindBool
	KindString
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindObject:
		return "object"
	default:
		return "unavailable"
	}
}

// Value is the tagged union used for sensor readings, condition operands and
// staged outputs. Only the field matching Kind is meaningful.
type Value struct {
	Kind Kind
	Num  float64
	Bool bool
	Str  string
	Obj  map[string]any
}

// Unavailable is the canonical Unavailable value.
var Unavailable = Value{Kind: KindUnavailable}

func Number(n float64) Value  { return Value{Kind: KindNumber, Num: n} }
func Bool(b bool) Value       { return Value{Kind: KindBool, Bool: b} }
func String(s string) Value   { return Value{Kind: KindString, Str: s} }
func Object(o map[string]any) Value { return Value{Kind: KindObject, Obj: o} }

func (v Value) IsUnavailable() bool { return v.Kind == KindUnavailable }

// Equal implements the typed equality used by emit:on_change comparisons.
// Values of differing Kind are never equal, including two Unavailable values
// (an absent reading is never "unchanged" relative to another absent reading
// for the purpose of re-emitting once data returns).
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	case KindString:
		return v.Str == o.Str
	case KindObject:
		return mapsEqual(v.Obj, o.Obj)
	default:
		return false
	}
}

func mapsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}

// Interface returns the value as a plain Go interface{}, the representation
// expected by the expression VM environment.
func (v Value) Interface() any {
	switch v.Kind {
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindString:
		return v.Str
	case KindObject:
		return v.Obj
	default:
		return nil
	}
}

// FromInterface lifts a decoded Go value (as produced by the store codec or
// the expression VM) back into a tagged Value.
func FromInterface(v any) Value {
	switch t := v.(type) {
	case nil:
		return Unavailable
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case string:
		return String(t)
	case map[string]any:
		return Object(t)
	default:
		return String(fmt.Sprint(t))
	}
}
