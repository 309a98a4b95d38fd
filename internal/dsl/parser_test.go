package dsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simpleRuleYAML = `
version: 1
rules:
  - name: high_temperature
    description: flags a sustained high reading
    conditions:
      all:
        - condition:
            type: comparison
            sensor: input:temperature
            operator: gt
            value: 30
    actions:
      - type: set
        key: output:high_temperature
        value: true
        emit: on_change
    else:
      - type: set
        key: output:high_temperature
        value: false
        emit: on_change
`

func TestParse_SimpleRule(t *testing.T) {
	rs, err := Parse([]byte(simpleRuleYAML), FormatYAML)
	require.NoError(t, err)
	require.Len(t, rs.Rules, 1)

	r := rs.Rules[0]
	assert.Equal(t, "high_temperature", r.Name)
	assert.Equal(t, GroupAll, r.Conditions.Kind)
	require.Len(t, r.Conditions.Items, 1)

	leaf := r.Conditions.Items[0]
	assert.Equal(t, CondComparison, leaf.Kind)
	assert.Equal(t, OpGT, leaf.Operator) // "gt" normalized
	assert.Equal(t, "input:temperature", leaf.Sensor)

	require.Len(t, r.Actions, 1)
	assert.Equal(t, ActionSet, r.Actions[0].Kind)
	assert.Equal(t, EmitOnChange, r.Actions[0].Emit)
	require.Len(t, r.Else, 1)
}

func TestParse_DirectConditionForm(t *testing.T) {
	doc := `
version: 1
rules:
  - name: r1
    conditions:
      any:
        - type: expression
          expression: "input:a > 0"
    actions:
      - type: log
        message: "triggered"
`
	rs, err := Parse([]byte(doc), FormatYAML)
	require.NoError(t, err)
	leaf := rs.Rules[0].Conditions.Items[0]
	assert.Equal(t, CondExpression, leaf.Kind)
	assert.Equal(t, "input:a > 0", leaf.Expression)
}

func TestParse_OperatorSynonyms(t *testing.T) {
	cases := map[string]Operator{
		"greater_than": OpGT, ">": OpGT, "gt": OpGT,
		"eq": OpEQ, "=": OpEQ, "==": OpEQ,
		"neq": OpNE, "!=": OpNE, "<>": OpNE,
	}
	for raw, want := range cases {
		got, err := normalizeOperator(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
}

func TestParse_DurationSuffixes(t *testing.T) {
	cases := []struct {
		raw  any
		want int64
	}{
		{1500, 1500},
		{"1500", 1500},
		{"1500ms", 1500},
		{"10s", 10000},
		{"2m", 120000},
		{"1h", 3600000},
	}
	for _, c := range cases {
		got, err := normalizeDuration(c.raw)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestParse_UnknownTopLevelField(t *testing.T) {
	_, err := Parse([]byte("version: 1\nrules: []\nbogus: true\n"), FormatYAML)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParse_UnknownConditionField(t *testing.T) {
	doc := `
version: 1
rules:
  - name: r1
    conditions:
      all:
        - type: comparison
          sensor: input:a
          operator: gt
          value: 1
          bogus: true
    actions: []
`
	_, err := Parse([]byte(doc), FormatYAML)
	require.Error(t, err)
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("rules: [this is not: valid"), FormatYAML)
	require.Error(t, err)
	var se *SyntaxError
	require.ErrorAs(t, err, &se)
}

func TestParse_AlwaysNormalizesToExpressionLeaf(t *testing.T) {
	doc := `
version: 1
rules:
  - name: r1
    conditions:
      all:
        - type: always
    actions:
      - type: log
        message: "hi"
`
	rs, err := Parse([]byte(doc), FormatYAML)
	require.NoError(t, err)
	leaf := rs.Rules[0].Conditions.Items[0]
	assert.Equal(t, CondExpression, leaf.Kind)
	assert.Equal(t, "true", leaf.Expression)
}

func TestParse_SetActionExactlyOneOfValueOrExpression(t *testing.T) {
	doc := `
version: 1
rules:
  - name: r1
    conditions:
      all:
        - type: always
    actions:
      - type: set
        key: output:x
        value: 1
        value_expression: "input:a"
`
	_, err := Parse([]byte(doc), FormatYAML)
	require.Error(t, err)
}

func TestParse_ThresholdOverTimeRequiresDuration(t *testing.T) {
	doc := `
version: 1
rules:
  - name: r1
    conditions:
      all:
        - type: threshold_over_time
          sensor: input:temperature
          operator: ">"
          threshold: 75
    actions: []
`
	_, err := Parse([]byte(doc), FormatYAML)
	require.Error(t, err)
}
