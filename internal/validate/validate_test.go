package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsar-io/beacon/internal/dsl"
)

func ruleWithSensor(name, sensor string) dsl.Rule {
	return dsl.Rule{
		Name: name,
		Conditions: dsl.ConditionGroup{
			Kind: dsl.GroupAll,
			Items: []dsl.Condition{
				{Kind: dsl.CondComparison, Sensor: sensor, Operator: dsl.OpGT, Value: dsl.Literal{Kind: dsl.LitNumber, Num: 1}},
			},
		},
		Actions: []dsl.Action{
			{Kind: dsl.ActionSet, Key: "output:x", Value: &dsl.Literal{Kind: dsl.LitBool, Bool: true}, Emit: dsl.EmitAlways},
		},
	}
}

func TestValidate_DuplicateRuleNames(t *testing.T) {
	rs := &dsl.RuleSet{Rules: []dsl.Rule{
		ruleWithSensor("dup", "input:a"),
		ruleWithSensor("dup", "input:a"),
	}}
	_, diags, err := Validate(rs, DefaultOptions())
	require.Error(t, err)
	found := false
	for _, d := range diags {
		if d.Severity == SeverityError && d.Rule == "dup" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidate_EmptyGroupRejected(t *testing.T) {
	rs := &dsl.RuleSet{Rules: []dsl.Rule{{
		Name:       "empty",
		Conditions: dsl.ConditionGroup{Kind: dsl.GroupAll},
		Actions:    []dsl.Action{{Kind: dsl.ActionLog, Message: "hi", Emit: dsl.EmitAlways}},
	}}}
	_, _, err := Validate(rs, DefaultOptions())
	require.Error(t, err)
}

func TestValidate_ThresholdOverTimeRequiresOrderedOperator(t *testing.T) {
	rs := &dsl.RuleSet{Rules: []dsl.Rule{{
		Name: "r1",
		Conditions: dsl.ConditionGroup{Kind: dsl.GroupAll, Items: []dsl.Condition{
			{Kind: dsl.CondThresholdOverTime, Sensor: "input:temperature", ThresholdOp: dsl.OpEQ, DurationMillis: 1000},
		}},
		Actions: []dsl.Action{{Kind: dsl.ActionLog, Message: "hi", Emit: dsl.EmitAlways}},
	}}}
	_, _, err := Validate(rs, DefaultOptions())
	require.Error(t, err)
}

func TestValidate_UnknownSensorRejected(t *testing.T) {
	rs := &dsl.RuleSet{Rules: []dsl.Rule{ruleWithSensor("r1", "mystery:sensor")}}
	_, _, err := Validate(rs, DefaultOptions())
	require.Error(t, err)
}

func TestValidate_SensorProducedByAnotherRuleIsKnown(t *testing.T) {
	producer := dsl.Rule{
		Name:       "producer",
		Conditions: dsl.ConditionGroup{Kind: dsl.GroupAll, Items: []dsl.Condition{{Kind: dsl.CondComparison, Sensor: "input:a", Operator: dsl.OpGT, Value: dsl.Literal{Kind: dsl.LitNumber, Num: 0}}}},
		Actions:    []dsl.Action{{Kind: dsl.ActionSet, Key: "output:derived", Value: &dsl.Literal{Kind: dsl.LitNumber, Num: 1}, Emit: dsl.EmitAlways}},
	}
	consumer := ruleWithSensor("consumer", "output:derived")
	rs := &dsl.RuleSet{Rules: []dsl.Rule{producer, consumer}}
	_, _, err := Validate(rs, DefaultOptions())
	require.NoError(t, err)
}

func TestValidate_KeyNamespaceEnforced(t *testing.T) {
	rs := &dsl.RuleSet{Rules: []dsl.Rule{{
		Name:       "r1",
		Conditions: dsl.ConditionGroup{Kind: dsl.GroupAll, Items: []dsl.Condition{{Kind: dsl.CondComparison, Sensor: "input:a", Operator: dsl.OpGT, Value: dsl.Literal{Kind: dsl.LitNumber, Num: 0}}}},
		Actions:    []dsl.Action{{Kind: dsl.ActionSet, Key: "notanamespace:x", Value: &dsl.Literal{Kind: dsl.LitBool, Bool: true}, Emit: dsl.EmitAlways}},
	}}}
	_, _, err := Validate(rs, DefaultOptions())
	require.Error(t, err)
}

func TestValidate_DuplicateCasingWarning(t *testing.T) {
	rs := &dsl.RuleSet{Rules: []dsl.Rule{{
		Name: "r1",
		Conditions: dsl.ConditionGroup{Kind: dsl.GroupAll, Items: []dsl.Condition{
			{Kind: dsl.CondComparison, Sensor: "input:Temp", Operator: dsl.OpGT, Value: dsl.Literal{Kind: dsl.LitNumber, Num: 0}},
			{Kind: dsl.CondComparison, Sensor: "input:temp", Operator: dsl.OpLT, Value: dsl.Literal{Kind: dsl.LitNumber, Num: 100}},
		}},
		Actions: []dsl.Action{{Kind: dsl.ActionLog, Message: "hi", Emit: dsl.EmitAlways}},
	}}}
	_, diags, err := Validate(rs, DefaultOptions())
	require.NoError(t, err)
	foundWarning := false
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			foundWarning = true
		}
	}
	assert.True(t, foundWarning)
}
