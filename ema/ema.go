// Package ema maintains an exponential-moving-average shadow of the model
// parameters.
//
// The shadow is updated by decayed averaging after every optimizer update and
// is merged into the exported model only at the final save, where the
// averaged weights usually generalize better than the last raw update.
package ema

import (
	"bytes"
	"encoding/gob"
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Weights is the EMA shadow parameter set.
type Weights struct {
	decay  float64
	names  []string
	shadow map[string][]float32
}

// New creates a shadow copy of params with the given decay. The usual decay
// is close to 1 (for example 0.999): larger values average over a longer
// window of updates.
func New(params map[string][]float32, decay float64) *Weights {
	w := &Weights{
		decay:  decay,
		shadow: make(map[string][]float32, len(params)),
	}
	for name, values := range params {
		w.names = append(w.names, name)
		w.shadow[name] = append([]float32(nil), values...)
	}
	sort.Strings(w.names)
	return w
}

// Decay returns the configured decay.
func (w *Weights) Decay() float64 { return w.decay }

// Update folds the current parameter values into the shadow:
// shadow = decay*shadow + (1-decay)*param. It must be called once per
// completed optimizer update. A parameter set differing from the one the
// shadow was created with is a wiring error and panics.
func (w *Weights) Update(params map[string][]float32) {
	if len(params) != len(w.shadow) {
		exceptions.Panicf("ema: model has %d parameters, shadow has %d", len(params), len(w.shadow))
	}
	decay := float32(w.decay)
	for _, name := range w.names {
		values, found := params[name]
		shadow := w.shadow[name]
		if !found || len(values) != len(shadow) {
			exceptions.Panicf("ema: parameter %q missing or reshaped since the shadow was created", name)
		}
		for i, v := range values {
			shadow[i] = decay*shadow[i] + (1-decay)*v
		}
	}
}

// CopyTo overwrites params with the shadow values. Used at final export.
func (w *Weights) CopyTo(params map[string][]float32) {
	for _, name := range w.names {
		values, found := params[name]
		shadow := w.shadow[name]
		if !found || len(values) != len(shadow) {
			exceptions.Panicf("ema: parameter %q missing or reshaped since the shadow was created", name)
		}
		copy(values, shadow)
	}
}

// serialized is the on-disk form of the shadow.
type serialized struct {
	Decay  float64
	Shadow map[string][]float32
}

// StateBytes implements checkpoints.State.
func (w *Weights) StateBytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(serialized{Decay: w.decay, Shadow: w.shadow}); err != nil {
		return nil, errors.Wrap(err, "failed to serialize EMA weights")
	}
	return buf.Bytes(), nil
}

// SetStateBytes implements checkpoints.State.
func (w *Weights) SetStateBytes(data []byte) error {
	var s serialized
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return errors.Wrap(err, "failed to deserialize EMA weights")
	}
	w.decay = s.Decay
	w.shadow = s.Shadow
	w.names = w.names[:0]
	for name := range w.shadow {
		w.names = append(w.names, name)
	}
	sort.Strings(w.names)
	return nil
}
