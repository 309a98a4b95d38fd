// Package depgraph implements the dependency analyzer (C3): it builds the
// rule-dependency DAG and assigns deterministic execution layers via Kahn's
// algorithm, rejecting cycles with a precise diagnostic.
package depgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pulsar-io/beacon/internal/dsl"
	"github.com/pulsar-io/beacon/internal/exprc"
)

// DependencyError is a fatal compile-time error produced by this package:
// either a cycle in the rule DAG, or (per the Open Question #2 resolution
// in SPEC_FULL.md §4) two rules unconditionally `set`-ing the same key to
// two different constants.
type DependencyError struct {
	Cycle []string // populated for a cycle diagnostic

	Key   string   // populated for a conflicting-constant-write diagnostic
	Rules []string // the rules that conflict over Key
}

func (e *DependencyError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("depgraph: rules %s unconditionally set %q to conflicting constants",
			strings.Join(e.Rules, ", "), e.Key)
	}
	return fmt.Sprintf("depgraph: dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// RuleReads collects every key a rule reads: sensors named directly in
// comparison/threshold_over_time leaves, sensors referenced inside
// expression leaves, and sensors referenced inside value_expression /
// message_expression actions.
func RuleReads(r dsl.Rule) (map[string]bool, error) {
	reads := map[string]bool{}
	var walk func(c dsl.Condition) error
	walk = func(c dsl.Condition) error {
		switch c.Kind {
		case dsl.CondComparison, dsl.CondThresholdOverTime:
			if c.Sensor != "" {
				reads[c.Sensor] = true
			}
		case dsl.CondExpression:
			p, err := exprc.Compile(c.Expression)
			if err != nil {
				return err
			}
			for _, s := range p.Sensors {
				reads[s] = true
			}
		case dsl.CondGroup:
			for _, child := range c.Group {
				if err := walk(child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(r.Conditions.AsCondition()); err != nil {
		return nil, err
	}
	for _, a := range append(append([]dsl.Action{}, r.Actions...), r.Else...) {
		expr := a.ValueExpression
		if a.Kind == dsl.ActionSendMessage {
			expr = a.MessageExpression
		}
		if expr == "" {
			continue
		}
		p, err := exprc.Compile(expr)
		if err != nil {
			return nil, err
		}
		for _, s := range p.Sensors {
			reads[s] = true
		}
	}
	return reads, nil
}

// RuleWrites collects every output key a rule unconditionally or
// conditionally produces via a set action, across both branches.
func RuleWrites(r dsl.Rule) map[string]bool {
	writes := map[string]bool{}
	for _, a := range append(append([]dsl.Action{}, r.Actions...), r.Else...) {
		if a.Kind == dsl.ActionSet {
			writes[a.Key] = true
		}
	}
	return writes
}

// unconditionalConstantWrites returns the set actions in r that run
// regardless of which branch is selected: either the rule's condition is
// the normalized always-true leaf (so only the primary branch ever runs),
// or the identical `set key = <same literal>` action appears in both the
// primary and else branches. Only literal-valued sets are considered;
// value_expression writes are never "constant".
func unconditionalConstantWrites(r dsl.Rule) map[string]dsl.Literal {
	out := map[string]dsl.Literal{}
	primary := map[string]dsl.Literal{}
	for _, a := range r.Actions {
		if a.Kind == dsl.ActionSet && a.Value != nil {
			primary[a.Key] = *a.Value
		}
	}
	alwaysTrue := r.Conditions.Kind == dsl.GroupAll && len(r.Conditions.Items) == 1 &&
		r.Conditions.Items[0].Kind == dsl.CondExpression && r.Conditions.Items[0].Expression == "true"
	if alwaysTrue || len(r.Conditions.Items) == 0 {
		for key, lit := range primary {
			out[key] = lit
		}
		return out
	}
	elseSets := map[string]dsl.Literal{}
	for _, a := range r.Else {
		if a.Kind == dsl.ActionSet && a.Value != nil {
			elseSets[a.Key] = *a.Value
		}
	}
	for key, lit := range primary {
		if other, ok := elseSets[key]; ok && other.Equal(lit) {
			out[key] = lit
		}
	}
	return out
}

// checkConflictingConstantWrites implements the Open Question #2 resolution:
// two rules that each unconditionally set the same key to different
// constants is rejected at compile time.
func checkConflictingConstantWrites(rs *dsl.RuleSet) error {
	type entry struct {
		rule string
		lit  dsl.Literal
	}
	byKey := map[string][]entry{}
	for _, r := range rs.Rules {
		for key, lit := range unconditionalConstantWrites(r) {
			byKey[key] = append(byKey[key], entry{rule: r.Name, lit: lit})
		}
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		entries := byKey[key]
		for i := 1; i < len(entries); i++ {
			if !entries[i].lit.Equal(entries[0].lit) {
				rules := make([]string, 0, len(entries))
				for _, e := range entries {
					rules = append(rules, e.rule)
				}
				sort.Strings(rules)
				return &DependencyError{Key: key, Rules: rules}
			}
		}
	}
	return nil
}

// Layers is the ordered list of execution layers produced by Analyze. Each
// layer holds rule names with no intra-layer dependency.
type Layers [][]string

// Analyze builds the dependency DAG for rs and returns it as ordered layers.
// Ties are broken by rule name (lexicographic) within a layer so repeated
// compilation of the same DSL text yields identical layers (idempotence,
// spec.md §8).
func Analyze(rs *dsl.RuleSet) (Layers, error) {
	if err := checkConflictingConstantWrites(rs); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(rs.Rules))
	writesByRule := map[string]map[string]bool{}
	readsByRule := map[string]map[string]bool{}
	producerOf := map[string]string{}

	for _, r := range rs.Rules {
		names = append(names, r.Name)
		writesByRule[r.Name] = RuleWrites(r)
		reads, err := RuleReads(r)
		if err != nil {
			return nil, err
		}
		readsByRule[r.Name] = reads
		for key := range writesByRule[r.Name] {
			producerOf[key] = r.Name
		}
	}
	sort.Strings(names)

	// adjacency: edge producer -> consumer (consumer depends on producer)
	dependents := map[string]map[string]bool{}
	indegree := map[string]int{}
	for _, n := range names {
		dependents[n] = map[string]bool{}
		indegree[n] = 0
	}
	for _, consumer := range names {
		seenProducers := map[string]bool{}
		for key := range readsByRule[consumer] {
			producer, ok := producerOf[key]
			if !ok || producer == consumer || seenProducers[producer] {
				continue
			}
			seenProducers[producer] = true
			if !dependents[producer][consumer] {
				dependents[producer][consumer] = true
				indegree[consumer]++
			}
		}
	}

	var layers Layers
	remaining := len(names)
	visited := map[string]bool{}
	for remaining > 0 {
		var ready []string
		for _, n := range names {
			if !visited[n] && indegree[n] == 0 {
				ready = append(ready, n)
			}
		}
		if len(ready) == 0 {
			return nil, &DependencyError{Cycle: findCycle(names, dependents, visited)}
		}
		sort.Strings(ready)
		layers = append(layers, ready)
		for _, n := range ready {
			visited[n] = true
			remaining--
			for dep := range dependents[n] {
				if !visited[dep] {
					indegree[dep]--
				}
			}
		}
	}
	return layers, nil
}

// findCycle performs a DFS over the remaining (unvisited) subgraph to
// produce a concrete cycle path for the diagnostic.
func findCycle(names []string, dependents map[string]map[string]bool, visited map[string]bool) []string {
	remaining := make([]string, 0)
	for _, n := range names {
		if !visited[n] {
			remaining = append(remaining, n)
		}
	}
	sort.Strings(remaining)

	color := map[string]int{} // 0=white,1=gray,2=black
	var path []string
	var dfs func(n string) []string
	dfs = func(n string) []string {
		color[n] = 1
		path = append(path, n)
		deps := make([]string, 0, len(dependents[n]))
		for d := range dependents[n] {
			if visited[d] {
				continue
			}
			deps = append(deps, d)
		}
		sort.Strings(deps)
		for _, d := range deps {
			switch color[d] {
			case 0:
				if cyc := dfs(d); cyc != nil {
					return cyc
				}
			case 1:
				// found the back-edge closing the cycle
				start := 0
				for i, p := range path {
					if p == d {
						start = i
						break
					}
				}
				cyc := append([]string{}, path[start:]...)
				return append(cyc, d)
			}
		}
		path = path[:len(path)-1]
		color[n] = 2
		return nil
	}
	for _, n := range remaining {
		if color[n] == 0 {
			if cyc := dfs(n); cyc != nil {
				return cyc
			}
		}
	}
	return remaining
}
