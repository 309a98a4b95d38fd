package dsl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the DSL document's wire syntax.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

// operatorSynonyms folds accepted spellings to the six canonical operators.
var operatorSynonyms = map[string]Operator{
	">": OpGT, "gt": OpGT, "greater_than": OpGT,
	">=": OpGE, "gte": OpGE, "ge": OpGE, "greater_than_or_equal": OpGE,
	"<": OpLT, "lt": OpLT, "less_than": OpLT,
	"<=": OpLE, "lte": OpLE, "le": OpLE, "less_than_or_equal": OpLE,
	"==": OpEQ, "=": OpEQ, "eq": OpEQ, "equals": OpEQ,
	"!=": OpNE, "<>": OpNE, "ne": OpNE, "neq": OpNE, "not_equals": OpNE,
}

func normalizeOperator(raw string) (Operator, error) {
	op, ok := operatorSynonyms[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("unrecognized operator %q", raw)
	}
	return op, nil
}

// normalizeDuration converts a bare integer (milliseconds) or a string with
// a ms|s|m|h suffix into milliseconds.
func normalizeDuration(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		s := strings.TrimSpace(v)
		for _, suffix := range []string{"ms", "s", "m", "h"} {
			if strings.HasSuffix(s, suffix) {
				numStr := strings.TrimSuffix(s, suffix)
				n, err := strconv.ParseFloat(strings.TrimSpace(numStr), 64)
				if err != nil {
					return 0, fmt.Errorf("invalid duration %q", raw)
				}
				switch suffix {
				case "ms":
					return int64(n), nil
				case "s":
					return int64(n * 1000), nil
				case "m":
					return int64(n * 60000), nil
				case "h":
					return int64(n * 3600000), nil
				}
			}
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", raw)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("invalid duration value %v", raw)
	}
}

// Parse decodes DSL text into a RuleSet. Unknown top-level fields, unknown
// rule/input/condition/action fields, and malformed condition/action shapes
// fail with *ParseError; a document that cannot be decoded at all fails with
// *SyntaxError.
func Parse(data []byte, format Format) (*RuleSet, error) {
	var doc map[string]any
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, &SyntaxError{Err: err}
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, &SyntaxError{Err: err}
		}
	default:
		return nil, fmt.Errorf("dsl: unknown format %d", format)
	}
	return parseDocument(doc)
}

var topLevelFields = map[string]bool{"version": true, "rules": true}

func parseDocument(doc map[string]any) (*RuleSet, error) {
	if err := rejectUnknown("", 0, doc, topLevelFields); err != nil {
		return nil, err
	}
	rs := &RuleSet{Version: 1}
	if v, ok := doc["version"]; ok {
		rs.Version = toInt(v)
	}
	rawRules, _ := doc["rules"].([]any)
	for _, rr := range rawRules {
		rm, ok := rr.(map[string]any)
		if !ok {
			return nil, parseErr("", 0, "rule entry is not an object")
		}
		rule, err := parseRule(rm)
		if err != nil {
			return nil, err
		}
		rs.Rules = append(rs.Rules, *rule)
	}
	return rs, nil
}

var ruleFields = map[string]bool{
	"name": true, "description": true, "inputs": true,
	"conditions": true, "actions": true, "else": true,
}

func parseRule(m map[string]any) (*Rule, error) {
	name, _ := m["name"].(string)
	if err := rejectUnknown(name, 0, m, ruleFields); err != nil {
		return nil, err
	}
	r := &Rule{Name: name}
	if d, ok := m["description"].(string); ok {
		r.Description = d
	}
	if rawInputs, ok := m["inputs"].([]any); ok {
		for _, ri := range rawInputs {
			im, ok := ri.(map[string]any)
			if !ok {
				return nil, parseErr(name, 0, "input entry is not an object")
			}
			in, err := parseInput(name, im)
			if err != nil {
				return nil, err
			}
			r.Inputs = append(r.Inputs, *in)
		}
	}
	condRaw, ok := m["conditions"]
	if !ok {
		return nil, parseErr(name, 0, "rule has no conditions field")
	}
	group, err := parseConditionGroup(name, condRaw)
	if err != nil {
		return nil, err
	}
	r.Conditions = *group

	rawActions, _ := m["actions"].([]any)
	for _, ra := range rawActions {
		am, ok := ra.(map[string]any)
		if !ok {
			return nil, parseErr(name, 0, "action entry is not an object")
		}
		a, err := parseAction(name, am)
		if err != nil {
			return nil, err
		}
		r.Actions = append(r.Actions, *a)
	}
	if rawElse, ok := m["else"].([]any); ok {
		for _, ra := range rawElse {
			am, ok := ra.(map[string]any)
			if !ok {
				return nil, parseErr(name, 0, "else action entry is not an object")
			}
			a, err := parseAction(name, am)
			if err != nil {
				return nil, err
			}
			r.Else = append(r.Else, *a)
		}
	}
	return r, nil
}

var inputFields = map[string]bool{
	"id": true, "required": true, "fallback": true, "default": true, "max_age": true,
}

func parseInput(rule string, m map[string]any) (*Input, error) {
	if err := rejectUnknown(rule, 0, m, inputFields); err != nil {
		return nil, err
	}
	in := &Input{Required: true, Fallback: FallbackPropagateUnavailable}
	if id, ok := m["id"].(string); ok {
		in.ID = id
	}
	if req, ok := m["required"].(bool); ok {
		in.Required = req
	}
	if fb, ok := m["fallback"].(string); ok {
		in.Fallback = FallbackKind(fb)
	}
	switch in.Fallback {
	case FallbackUseDefault:
		def, ok := m["default"]
		if !ok {
			return nil, parseErr(rule, 0, "input %q: fallback use_default requires a default value", in.ID)
		}
		switch v := def.(type) {
		case bool:
			in.DefaultKind, in.DefaultBool = "bool", v
		case string:
			in.DefaultKind, in.DefaultStr = "string", v
		case int, int64, float64:
			in.DefaultKind, in.DefaultNum = "number", toFloat(v)
		default:
			return nil, parseErr(rule, 0, "input %q: unsupported default type", in.ID)
		}
	case FallbackUseLastKnown:
		raw, ok := m["max_age"]
		if !ok {
			return nil, parseErr(rule, 0, "input %q: fallback use_last_known requires max_age", in.ID)
		}
		ms, err := normalizeDuration(raw)
		if err != nil {
			return nil, parseErr(rule, 0, "input %q: %v", in.ID, err)
		}
		in.MaxAgeMillis = ms
	}
	return in, nil
}

var groupFields = map[string]bool{"all": true, "any": true}
var wrapperFields = map[string]bool{"condition": true}

// parseConditionGroup parses the top-level (or nested) {all:[...]} /
// {any:[...]} shape into a ConditionGroup.
func parseConditionGroup(rule string, raw any) (*ConditionGroup, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, parseErr(rule, 0, "conditions must be an object with an all/any key")
	}
	if err := rejectUnknown(rule, 0, m, groupFields); err != nil {
		return nil, err
	}
	kind, items, err := extractGroupItems(m)
	if err != nil {
		return nil, parseErr(rule, 0, "%v", err)
	}
	g := &ConditionGroup{Kind: kind}
	for _, item := range items {
		c, err := parseConditionNode(rule, item)
		if err != nil {
			return nil, err
		}
		g.Items = append(g.Items, *c)
	}
	return g, nil
}

func extractGroupItems(m map[string]any) (ConditionGroupKind, []any, error) {
	if v, ok := m["all"]; ok {
		items, ok := v.([]any)
		if !ok {
			return "", nil, fmt.Errorf("all must be a list")
		}
		return GroupAll, items, nil
	}
	if v, ok := m["any"]; ok {
		items, ok := v.([]any)
		if !ok {
			return "", nil, fmt.Errorf("any must be a list")
		}
		return GroupAny, items, nil
	}
	return "", nil, fmt.Errorf("expected an all or any key")
}

// parseConditionNode parses one item within a group: a nested group, a
// wrapped leaf ({condition: {...}}), or a direct leaf ({type: ...}).
func parseConditionNode(rule string, raw any) (*Condition, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, parseErr(rule, 0, "condition entry must be an object")
	}
	if _, hasAll := m["all"]; hasAll {
		g, err := parseConditionGroup(rule, m)
		if err != nil {
			return nil, err
		}
		c := g.AsCondition()
		return &c, nil
	}
	if _, hasAny := m["any"]; hasAny {
		g, err := parseConditionGroup(rule, m)
		if err != nil {
			return nil, err
		}
		c := g.AsCondition()
		return &c, nil
	}
	if wrapped, ok := m["condition"]; ok {
		if err := rejectUnknown(rule, 0, m, wrapperFields); err != nil {
			return nil, err
		}
		wm, ok := wrapped.(map[string]any)
		if !ok {
			return nil, parseErr(rule, 0, "condition wrapper value must be an object")
		}
		return parseLeaf(rule, wm)
	}
	return parseLeaf(rule, m)
}

var comparisonFields = map[string]bool{"type": true, "sensor": true, "operator": true, "value": true, "property": true}
var expressionFields = map[string]bool{"type": true, "expression": true}
var thresholdFields = map[string]bool{"type": true, "sensor": true, "operator": true, "threshold": true, "duration": true, "mode": true}
var alwaysFields = map[string]bool{"type": true}

func parseLeaf(rule string, m map[string]any) (*Condition, error) {
	typ, _ := m["type"].(string)
	switch typ {
	case "comparison":
		if err := rejectUnknown(rule, 0, m, comparisonFields); err != nil {
			return nil, err
		}
		sensor, _ := m["sensor"].(string)
		opRaw, _ := m["operator"].(string)
		op, err := normalizeOperator(opRaw)
		if err != nil {
			return nil, parseErr(rule, 0, "comparison: %v", err)
		}
		lit, err := parseLiteral(m["value"])
		if err != nil {
			return nil, parseErr(rule, 0, "comparison: %v", err)
		}
		var path []string
		if p, ok := m["property"].(string); ok && p != "" {
			path = strings.Split(p, ".")
		} else if pl, ok := m["property"].([]any); ok {
			for _, e := range pl {
				if s, ok := e.(string); ok {
					path = append(path, s)
				}
			}
		}
		return &Condition{Kind: CondComparison, Sensor: sensor, Operator: op, Value: *lit, PropertyPath: path}, nil
	case "expression":
		if err := rejectUnknown(rule, 0, m, expressionFields); err != nil {
			return nil, err
		}
		expr, _ := m["expression"].(string)
		if strings.TrimSpace(expr) == "" {
			return nil, parseErr(rule, 0, "expression condition has empty expression")
		}
		return &Condition{Kind: CondExpression, Expression: expr}, nil
	case "threshold_over_time":
		if err := rejectUnknown(rule, 0, m, thresholdFields); err != nil {
			return nil, err
		}
		sensor, _ := m["sensor"].(string)
		opRaw, _ := m["operator"].(string)
		op, err := normalizeOperator(opRaw)
		if err != nil {
			return nil, parseErr(rule, 0, "threshold_over_time: %v", err)
		}
		thr, err := parseLiteral(m["threshold"])
		if err != nil {
			return nil, parseErr(rule, 0, "threshold_over_time: %v", err)
		}
		durRaw, ok := m["duration"]
		if !ok {
			return nil, parseErr(rule, 0, "threshold_over_time requires duration")
		}
		durMs, err := normalizeDuration(durRaw)
		if err != nil {
			return nil, parseErr(rule, 0, "threshold_over_time: %v", err)
		}
		mode := ModeStrict
		if mraw, ok := m["mode"].(string); ok && mraw != "" {
			mode = TemporalMode(mraw)
		}
		return &Condition{
			Kind: CondThresholdOverTime, Sensor: sensor, ThresholdOp: op, Threshold: *thr,
			DurationMillis: durMs, TemporalMode: mode,
		}, nil
	case "always":
		// Open question #3 resolved in SPEC_FULL.md: normalize to an
		// always-true expression leaf rather than an empty warned group.
		if err := rejectUnknown(rule, 0, m, alwaysFields); err != nil {
			return nil, err
		}
		return &Condition{Kind: CondExpression, Expression: "true"}, nil
	case "":
		return nil, parseErr(rule, 0, "condition missing type field")
	default:
		return nil, parseErr(rule, 0, "unknown condition type %q", typ)
	}
}

func parseLiteral(raw any) (*Literal, error) {
	switch v := raw.(type) {
	case bool:
		return &Literal{Kind: LitBool, Bool: v}, nil
	case string:
		return &Literal{Kind: LitString, Str: v}, nil
	case int:
		return &Literal{Kind: LitNumber, Num: float64(v)}, nil
	case int64:
		return &Literal{Kind: LitNumber, Num: float64(v)}, nil
	case float64:
		return &Literal{Kind: LitNumber, Num: v}, nil
	case nil:
		return nil, fmt.Errorf("missing literal value")
	default:
		return nil, fmt.Errorf("unsupported literal type %T", raw)
	}
}

var setFields = map[string]bool{"type": true, "key": true, "value": true, "value_expression": true, "emit": true}
var logFields = map[string]bool{"type": true, "message": true, "emit": true}
var bufferFields = map[string]bool{"type": true, "key": true, "value_expression": true, "max_items": true, "emit": true}
var sendMessageFields = map[string]bool{"type": true, "channel": true, "message": true, "message_expression": true, "emit": true}

func parseAction(rule string, m map[string]any) (*Action, error) {
	typ, _ := m["type"].(string)
	emit := EmitAlways
	if e, ok := m["emit"].(string); ok && e != "" {
		emit = EmitKind(e)
	}
	switch typ {
	case "set":
		if err := rejectUnknown(rule, 0, m, setFields); err != nil {
			return nil, err
		}
		a := &Action{Kind: ActionSet, Emit: emit}
		if err := fillKeyAndValue(rule, m, a); err != nil {
			return nil, err
		}
		return a, nil
	case "log":
		if err := rejectUnknown(rule, 0, m, logFields); err != nil {
			return nil, err
		}
		msg, _ := m["message"].(string)
		return &Action{Kind: ActionLog, Emit: emit, Message: msg}, nil
	case "buffer":
		if err := rejectUnknown(rule, 0, m, bufferFields); err != nil {
			return nil, err
		}
		a := &Action{Kind: ActionBuffer, Emit: emit, MaxItems: 1000}
		key, _ := m["key"].(string)
		a.Key = key
		expr, hasExpr := m["value_expression"].(string)
		if !hasExpr {
			return nil, parseErr(rule, 0, "buffer action %q requires value_expression", key)
		}
		a.ValueExpression = expr
		if mi, ok := m["max_items"]; ok {
			a.MaxItems = toInt(mi)
		}
		return a, nil
	case "send_message":
		if err := rejectUnknown(rule, 0, m, sendMessageFields); err != nil {
			return nil, err
		}
		channel, _ := m["channel"].(string)
		a := &Action{Kind: ActionSendMessage, Emit: emit, Channel: channel}
		msg, hasMsg := m["message"].(string)
		mexpr, hasMexpr := m["message_expression"].(string)
		switch {
		case hasMsg && hasMexpr:
			return nil, parseErr(rule, 0, "send_message: exactly one of message/message_expression")
		case hasMsg:
			a.Message = msg
		case hasMexpr:
			a.MessageExpression = mexpr
		default:
			return nil, parseErr(rule, 0, "send_message requires message or message_expression")
		}
		return a, nil
	case "":
		return nil, parseErr(rule, 0, "action missing type field")
	default:
		return nil, parseErr(rule, 0, "unknown action type %q", typ)
	}
}

func fillKeyAndValue(rule string, m map[string]any, a *Action) error {
	key, _ := m["key"].(string)
	a.Key = key
	_, hasValue := m["value"]
	expr, hasExpr := m["value_expression"].(string)
	switch {
	case hasValue && hasExpr:
		return parseErr(rule, 0, "set action %q: exactly one of value/value_expression", key)
	case hasValue:
		lit, err := parseLiteral(m["value"])
		if err != nil {
			return parseErr(rule, 0, "set action %q: %v", key, err)
		}
		a.Value = lit
	case hasExpr:
		a.ValueExpression = expr
	default:
		return parseErr(rule, 0, "set action %q requires value or value_expression", key)
	}
	return nil
}

func rejectUnknown(rule string, line int, m map[string]any, known map[string]bool) error {
	for k := range m {
		if !known[k] {
			return parseErr(rule, line, "unknown field %q", k)
		}
	}
	return nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float64:
		return t
	default:
		return 0
	}
}
