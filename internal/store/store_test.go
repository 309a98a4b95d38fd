package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsar-io/beacon/internal/config"
	"github.com/pulsar-io/beacon/internal/plan"
	"github.com/pulsar-io/beacon/internal/value"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(config.RedisConfig{
		Endpoints:        []string{mr.Addr()},
		PoolSize:         4,
		RetryCount:       2,
		RetryBaseDelayMs: 1,
		ConnectTimeoutMs: 1000,
		SyncTimeoutMs:    1000,
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore_ReadValue_DecodesEachKind(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("input:flag", "true"))
	require.NoError(t, mr.Set("input:count", "42"))
	require.NoError(t, mr.Set("input:comma", "3,5"))
	require.NoError(t, mr.Set("input:label", "hello"))
	require.NoError(t, mr.Set("input:obj", `{"a":1}`))

	ctx := context.Background()
	v, err := s.ReadValue(ctx, "input:flag")
	require.NoError(t, err)
	assert.Equal(t, value.KindBool, v.Kind)
	assert.True(t, v.Bool)

	v, err = s.ReadValue(ctx, "input:count")
	require.NoError(t, err)
	assert.Equal(t, value.KindNumber, v.Kind)
	assert.Equal(t, 42.0, v.Num)

	v, err = s.ReadValue(ctx, "input:comma")
	require.NoError(t, err)
	assert.Equal(t, value.KindNumber, v.Kind)
	assert.Equal(t, 3.5, v.Num)

	v, err = s.ReadValue(ctx, "input:label")
	require.NoError(t, err)
	assert.Equal(t, value.KindString, v.Kind)
	assert.Equal(t, "hello", v.Str)

	v, err = s.ReadValue(ctx, "input:obj")
	require.NoError(t, err)
	assert.Equal(t, value.KindObject, v.Kind)
	assert.Equal(t, 1.0, v.Obj["a"])
}

func TestStore_ReadValue_MissingKeyIsUnavailable(t *testing.T) {
	s, _ := newTestStore(t)
	v, err := s.ReadValue(context.Background(), "input:missing")
	require.NoError(t, err)
	assert.True(t, v.IsUnavailable())
}

func TestStore_ReadValue_HashUsesValueField(t *testing.T) {
	s, mr := newTestStore(t)
	mr.HSet("input:temp", "value", "71.5", "timestamp", "1700000000")
	v, err := s.ReadValue(context.Background(), "input:temp")
	require.NoError(t, err)
	assert.Equal(t, value.KindNumber, v.Kind)
	assert.Equal(t, 71.5, v.Num)
}

func TestStore_SnapshotInputs_ScansInputAndOutputPrefixes(t *testing.T) {
	s, mr := newTestStore(t)
	require.NoError(t, mr.Set("input:a", "1"))
	require.NoError(t, mr.Set("output:b", "2"))
	require.NoError(t, mr.Set("state:c", "3")) // not scanned

	now := time.Now()
	snap, err := s.SnapshotInputs(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, now, snap.CycleTime)
	assert.Contains(t, snap.Values, "input:a")
	assert.Contains(t, snap.Values, "output:b")
	assert.NotContains(t, snap.Values, "state:c")
}

func TestStore_WriteBatch_CommitsSetsAndBuffers(t *testing.T) {
	s, mr := newTestStore(t)
	ws := plan.NewWriteSet()
	ws.Set("output:fan", value.Bool(true))
	ws.AppendBuffer("input:temp", value.Number(70), 3)
	ws.AppendBuffer("input:temp", value.Number(71), 3)

	require.NoError(t, s.WriteBatch(context.Background(), ws))

	got, err := mr.Get("output:fan")
	require.NoError(t, err)
	assert.Equal(t, "true", got)

	items, err := mr.List("buffer:input:temp")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestStore_WriteBatch_TrimsBufferToMaxItems(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ws := plan.NewWriteSet()
		ws.AppendBuffer("input:x", value.Number(float64(i)), 2)
		require.NoError(t, s.WriteBatch(ctx, ws))
	}
	window, err := s.client.LRange(ctx, "buffer:input:x", 0, -1).Result()
	require.NoError(t, err)
	assert.Len(t, window, 2)
}

func TestStore_Publish(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Publish(context.Background(), "alerts", "hello"))
}

func TestStore_Health_ReportsOK(t *testing.T) {
	s, _ := newTestStore(t)
	h := s.Health(context.Background())
	assert.True(t, h.OK)
}

func TestStore_Health_ReportsDown(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()
	h := s.Health(context.Background())
	assert.False(t, h.OK)
}

func TestParseBool_FlexibleForms(t *testing.T) {
	cases := map[string]bool{"true": true, "TRUE": true, "1": true, "yes": true, "false": false, "0": false, "no": false}
	for raw, want := range cases {
		got, ok := ParseBool(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := ParseBool("maybe")
	assert.False(t, ok)
}
