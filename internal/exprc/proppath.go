package exprc

import (
	"fmt"
	"strings"

	"github.com/itchyny/gojq"

	"github.com/pulsar-io/beacon/internal/value"
)

// ResolveProperty reads a dotted property path out of an Object-typed
// sensor value, backing the comparison condition's optional nested property
// path (spec.md §3, Condition/comparison). Queries are compiled once per
// distinct path via a small cache since the same condition re-evaluates it
// every cycle.
func ResolveProperty(obj value.Value, path []string) (value.Value, error) {
	if len(path) == 0 {
		return obj, nil
	}
	if obj.Kind != value.KindObject {
		return value.Unavailable, fmt.Errorf("exprc: property path %v on non-object value", path)
	}
	query := queryFor(path)
	code, err := compileQuery(query)
	if err != nil {
		return value.Unavailable, err
	}
	iter := code.Run(obj.Obj)
	v, ok := iter.Next()
	if !ok {
		return value.Unavailable, nil
	}
	if gerr, ok := v.(error); ok {
		return value.Unavailable, fmt.Errorf("exprc: property path %v: %w", path, gerr)
	}
	return value.FromInterface(v), nil
}

func queryFor(path []string) string {
	var b strings.Builder
	for _, p := range path {
		b.WriteString(".")
		b.WriteString(p)
	}
	return b.String()
}

var queryCache = map[string]*gojq.Code{}

func compileQuery(query string) (*gojq.Code, error) {
	if c, ok := queryCache[query]; ok {
		return c, nil
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("exprc: bad property path %q: %w", query, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("exprc: compile property path %q: %w", query, err)
	}
	queryCache[query] = code
	return code, nil
}
