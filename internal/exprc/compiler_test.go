package exprc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsar-io/beacon/internal/value"
)

func TestCompile_ArithmeticAndSensorReferences(t *testing.T) {
	p, err := Compile("input:temperature / 100")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"input:temperature"}, p.Sensors)

	v, indeterminate, err := p.Eval(map[string]value.Value{"input:temperature": value.Number(30)})
	require.NoError(t, err)
	assert.False(t, indeterminate)
	assert.Equal(t, value.KindNumber, v.Kind)
	assert.InDelta(t, 0.3, v.Num, 1e-9)
}

func TestCompile_UnavailablePropagates(t *testing.T) {
	p, err := Compile("input:a > 0 and input:b")
	require.NoError(t, err)
	_, indeterminate, err := p.Eval(map[string]value.Value{
		"input:a": value.Unavailable,
		"input:b": value.Bool(true),
	})
	require.NoError(t, err)
	assert.True(t, indeterminate)
}

func TestCompile_BooleanAndFunctions(t *testing.T) {
	p, err := Compile("max(input:a, input:b) > 10 and not (input:c == false)")
	require.NoError(t, err)
	v, indeterminate, err := p.Eval(map[string]value.Value{
		"input:a": value.Number(5),
		"input:b": value.Number(20),
		"input:c": value.Bool(true),
	})
	require.NoError(t, err)
	require.False(t, indeterminate)
	assert.Equal(t, value.KindBool, v.Kind)
	assert.True(t, v.Bool)
}

func TestCompile_RuntimeErrorIsIndeterminateNotFatal(t *testing.T) {
	p, err := Compile(`input:a / input:b`)
	require.NoError(t, err)
	// division by zero in expr on floats yields +Inf, not a VM error; use a
	// genuine type-mismatch to force a runtime error instead.
	p2, err := Compile(`input:a + input:c`)
	require.NoError(t, err)
	_, indeterminate, err := p2.Eval(map[string]value.Value{
		"input:a": value.Number(1),
		"input:c": value.String("x"),
	})
	if err != nil {
		var rerr *RuntimeError
		require.ErrorAs(t, err, &rerr)
		assert.True(t, indeterminate)
	}
	_ = p
}

func TestCompile_NowResolvesToInstalledClock(t *testing.T) {
	defer SetClock(func() int64 { return 0 })

	SetClock(func() int64 { return 1_700_000_000_000 })
	p, err := Compile("now()")
	require.NoError(t, err)
	v, indeterminate, err := p.Eval(map[string]value.Value{})
	require.NoError(t, err)
	require.False(t, indeterminate)
	assert.Equal(t, float64(1_700_000_000_000), v.Num)
}

func TestResolveProperty(t *testing.T) {
	obj := value.Object(map[string]any{"a": map[string]any{"b": 42.0}})
	v, err := ResolveProperty(obj, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, value.KindNumber, v.Kind)
	assert.Equal(t, 42.0, v.Num)
}
