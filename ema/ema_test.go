package ema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdate(t *testing.T) {
	params := map[string][]float32{"w": {1.0, 2.0}}
	w := New(params, 0.9)

	// Shadow starts as a copy, so the first update with unchanged
	// parameters is a fixed point.
	w.Update(params)
	target := map[string][]float32{"w": {0, 0}}
	w.CopyTo(target)
	assert.InDeltaSlice(t, []float32{1.0, 2.0}, target["w"], 1e-6)

	// shadow = 0.9*1.0 + 0.1*2.0 = 1.1 (and 0.9*2.0 + 0.1*4.0 = 2.2).
	params["w"][0] = 2.0
	params["w"][1] = 4.0
	w.Update(params)
	w.CopyTo(target)
	assert.InDeltaSlice(t, []float32{1.1, 2.2}, target["w"], 1e-6)
}

func TestCopyToLeavesShadowIntact(t *testing.T) {
	params := map[string][]float32{"w": {3.0}}
	w := New(params, 0.5)
	params["w"][0] = 5.0
	w.Update(params) // shadow = 4.0

	w.CopyTo(params)
	assert.InDelta(t, 4.0, params["w"][0], 1e-6)

	// A second export reads the same shadow values.
	params["w"][0] = 0
	w.CopyTo(params)
	assert.InDelta(t, 4.0, params["w"][0], 1e-6)
}

func TestStateRoundtrip(t *testing.T) {
	params := map[string][]float32{"a": {1, 2}, "b": {3}}
	w := New(params, 0.999)
	params["a"][0] = 7
	w.Update(params)

	data, err := w.StateBytes()
	require.NoError(t, err)

	restored := New(map[string][]float32{"a": {0, 0}, "b": {0}}, 0.5)
	require.NoError(t, restored.SetStateBytes(data))
	assert.Equal(t, w.Decay(), restored.Decay())

	want := map[string][]float32{"a": {0, 0}, "b": {0}}
	got := map[string][]float32{"a": {0, 0}, "b": {0}}
	w.CopyTo(want)
	restored.CopyTo(got)
	assert.Equal(t, want, got)
}

func TestMismatchedParametersPanic(t *testing.T) {
	w := New(map[string][]float32{"w": {1.0}}, 0.9)
	assert.Panics(t, func() {
		w.Update(map[string][]float32{"other": {1.0}})
	})
	assert.Panics(t, func() {
		w.Update(map[string][]float32{"w": {1.0, 2.0}})
	})
	assert.Panics(t, func() {
		w.CopyTo(map[string][]float32{"w": {1.0, 2.0}})
	})
}
