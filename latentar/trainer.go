package latentar

import (
	"github.com/pkg/errors"

	"github.com/ali-vilab/alitok/distributed"
	"github.com/ali-vilab/alitok/train"
)

// Trainer bundles the model, optimizer and schedule into the step-loop
// collaborator the orchestrator drives.
type Trainer struct {
	model *Model
	opt   *SGD
	sched *CosineSchedule
	dist  distributed.Context

	microBatches int
}

// NewTrainer wires the collaborators together.
func NewTrainer(model *Model, opt *SGD, sched *CosineSchedule, dist distributed.Context) *Trainer {
	return &Trainer{model: model, opt: opt, sched: sched, dist: dist}
}

// TrainStep implements train.Trainer: forward/backward for one micro-batch,
// accumulating gradients locally. Returns the mean batch loss.
func (t *Trainer) TrainStep(batch train.Batch) (float64, error) {
	b, ok := batch.(*Batch)
	if !ok {
		return 0, errors.Errorf("unexpected batch type %T", batch)
	}
	if len(b.Inputs) == 0 || len(b.Inputs) != len(b.Targets) {
		return 0, errors.Errorf("malformed batch: %d inputs, %d targets", len(b.Inputs), len(b.Targets))
	}
	var loss float64
	for i := range b.Inputs {
		loss += t.model.accumulate(b.Inputs[i], b.Targets[i])
	}
	t.microBatches++
	return loss / float64(len(b.Inputs)), nil
}

// ApplyUpdate implements train.Trainer: averages the gradients accumulated
// since the last update, synchronizes them across the worker group and
// applies one optimizer step at the scheduled learning rate. After the
// all-reduce every replica steps with identical gradients, so replicas
// initialized from the same seed never diverge.
func (t *Trainer) ApplyUpdate(globalStep int64) error {
	if t.microBatches == 0 {
		return errors.Errorf("ApplyUpdate called with no accumulated micro-batches")
	}
	scale := float32(1) / float32(t.microBatches)
	grads := make(map[string][]float32, len(t.model.grads))
	for name, g := range t.model.grads {
		scaled := make([]float32, len(g))
		for i, v := range g {
			scaled[i] = v * scale
		}
		grads[name] = scaled
	}
	if err := t.dist.AllReduceMean(grads); err != nil {
		return errors.WithMessage(err, "synchronizing gradients across workers")
	}
	lr := t.sched.LearningRate(globalStep)
	t.opt.Step(t.model.params, grads, lr)
	t.model.zeroGrad()
	t.microBatches = 0
	return nil
}
