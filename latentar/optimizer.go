package latentar

import (
	"bytes"
	"encoding/gob"
	"math"

	"github.com/pkg/errors"
)

// SGD is a stochastic-gradient-descent optimizer with momentum.
type SGD struct {
	momentum float64
	velocity map[string][]float32
}

// NewSGD creates an SGD optimizer. momentum of 0 disables the velocity term.
func NewSGD(momentum float64) *SGD {
	return &SGD{
		momentum: momentum,
		velocity: make(map[string][]float32),
	}
}

// Step applies one update to params from the given (already averaged)
// gradients, at the given learning rate.
func (o *SGD) Step(params, grads map[string][]float32, lr float64) {
	for name, p := range params {
		g := grads[name]
		v, found := o.velocity[name]
		if !found {
			v = make([]float32, len(p))
			o.velocity[name] = v
		}
		mu := float32(o.momentum)
		step := float32(lr)
		for i := range p {
			v[i] = mu*v[i] + g[i]
			p[i] -= step * v[i]
		}
	}
}

// StateBytes implements checkpoints.State.
func (o *SGD) StateBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(o.velocity); err != nil {
		return nil, errors.Wrap(err, "failed to serialize optimizer state")
	}
	return buf.Bytes(), nil
}

// SetStateBytes implements checkpoints.State.
func (o *SGD) SetStateBytes(data []byte) error {
	var velocity map[string][]float32
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&velocity); err != nil {
		return errors.Wrap(err, "failed to deserialize optimizer state")
	}
	o.velocity = velocity
	return nil
}

// CosineSchedule anneals the learning rate over the step budget, after a
// linear warmup. See https://paperswithcode.com/method/cosine-annealing.
type CosineSchedule struct {
	base        float64
	minLR       float64
	warmupSteps int64
	totalSteps  int64

	lastStep int64
}

// NewCosineSchedule creates a schedule decaying from base to min over
// totalSteps, with a linear warmup over the first warmupSteps.
func NewCosineSchedule(base float64, warmupSteps, totalSteps int64) *CosineSchedule {
	return &CosineSchedule{
		base:        base,
		minLR:       base * 1e-3,
		warmupSteps: warmupSteps,
		totalSteps:  totalSteps,
	}
}

// LearningRate returns the rate for the given global step and records it as
// the schedule position (the part captured in checkpoints).
func (s *CosineSchedule) LearningRate(globalStep int64) float64 {
	s.lastStep = globalStep
	if s.warmupSteps > 0 && globalStep < s.warmupSteps {
		return s.base * float64(globalStep+1) / float64(s.warmupSteps)
	}
	if s.totalSteps <= s.warmupSteps {
		return s.base
	}
	progress := float64(globalStep-s.warmupSteps) / float64(s.totalSteps-s.warmupSteps)
	if progress > 1 {
		progress = 1
	}
	return s.minLR + 0.5*(s.base-s.minLR)*(1+math.Cos(math.Pi*progress))
}

// scheduleState is the serialized form of the schedule.
type scheduleState struct {
	Base        float64
	MinLR       float64
	WarmupSteps int64
	TotalSteps  int64
	LastStep    int64
}

// StateBytes implements checkpoints.State.
func (s *CosineSchedule) StateBytes() ([]byte, error) {
	var buf bytes.Buffer
	state := scheduleState{
		Base:        s.base,
		MinLR:       s.minLR,
		WarmupSteps: s.warmupSteps,
		TotalSteps:  s.totalSteps,
		LastStep:    s.lastStep,
	}
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, errors.Wrap(err, "failed to serialize schedule state")
	}
	return buf.Bytes(), nil
}

// SetStateBytes implements checkpoints.State.
func (s *CosineSchedule) SetStateBytes(data []byte) error {
	var state scheduleState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return errors.Wrap(err, "failed to deserialize schedule state")
	}
	s.base = state.Base
	s.minLR = state.MinLR
	s.warmupSteps = state.WarmupSteps
	s.totalSteps = state.TotalSteps
	s.lastStep = state.LastStep
	return nil
}
