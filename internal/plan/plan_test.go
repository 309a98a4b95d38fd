package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsar-io/beacon/internal/dsl"
	"github.com/pulsar-io/beacon/internal/validate"
)

const sampleRules = `
version: 1
rules:
  - name: normalize_temperature
    inputs:
      - id: input:temperature
    conditions:
      all:
        - type: comparison
          sensor: input:temperature
          operator: ">"
          value: -273
    actions:
      - type: set
        key: output:normalized
        value_expression: "input:temperature / 100"
        emit: always

  - name: sustained_high_normalized
    inputs:
      - id: output:normalized
    conditions:
      all:
        - type: threshold_over_time
          sensor: output:normalized
          operator: ">"
          threshold: 0.75
          duration: 10s
    actions:
      - type: set
        key: output:alert
        value: true
        emit: on_change
    else:
      - type: set
        key: output:alert
        value: false
        emit: on_change
`

func TestCompile_ProducesLayeredPlanWithSensorsAndCapacity(t *testing.T) {
	rs, err := dsl.Parse([]byte(sampleRules), dsl.FormatYAML)
	require.NoError(t, err)

	p, diags, err := Compile(rs, Options{
		Validate:              validate.DefaultOptions(),
		SamplePeriod:          100 * time.Millisecond,
		DefaultBufferCapacity: 100,
	})
	require.NoError(t, err)
	_ = diags

	require.Len(t, p.Layers, 2)
	assert.Equal(t, "normalize_temperature", p.Layers[0][0].Name)
	assert.Equal(t, "sustained_high_normalized", p.Layers[1][0].Name)

	assert.Contains(t, p.Sensors, "input:temperature")
	assert.Contains(t, p.Sensors, "output:normalized")

	// ceil(10s/100ms)*1.2 = 120
	assert.Equal(t, 120, p.SensorCapacity["output:normalized"])
}

func TestCompile_FatalValidationErrorReturnsNilPlan(t *testing.T) {
	bad := `
version: 1
rules:
  - name: bad rule name
    conditions:
      all:
        - type: comparison
          sensor: input:x
          operator: ">"
          value: 1
    actions:
      - type: set
        key: output:y
        value: true
`
	rs, err := dsl.Parse([]byte(bad), dsl.FormatYAML)
	require.NoError(t, err)
	p, _, err := Compile(rs, Options{Validate: validate.DefaultOptions(), SamplePeriod: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Nil(t, p)
}
