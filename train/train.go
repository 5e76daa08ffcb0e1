// Package train implements the training orchestrator: it converts a target
// number of optimizer updates into a bounded sequence of epochs and steps,
// delegating the actual forward/backward/update work to the external trainer
// collaborator, and enforcing the global stopping condition.
//
// The orchestrator itself holds no numerical training semantics. The model,
// loss, optimizer, learning-rate schedule and dataset are consumed through
// the narrow interfaces below, and gradient synchronization across processes
// is a property of the trainer collaborator, not something the loop
// arbitrates.
package train

import (
	"math"

	"github.com/pkg/errors"

	"github.com/ali-vilab/alitok/config"
)

// Batch is one micro-batch yielded by a Dataset. It is opaque to the loop
// and passed through to the trainer collaborator.
type Batch any

// Dataset yields micro-batches for one process's shard of the data.
type Dataset interface {
	// Yield returns the next micro-batch, or io.EOF at the end of an
	// epoch.
	Yield() (Batch, error)

	// Reset restarts the dataset for the next epoch.
	Reset() error
}

// Trainer is the external step-loop collaborator performing the numerical
// work.
type Trainer interface {
	// TrainStep runs forward/backward for one micro-batch, accumulating
	// gradients locally. It returns the batch loss.
	TrainStep(batch Batch) (loss float64, err error)

	// ApplyUpdate synchronizes the accumulated gradients across processes
	// and applies exactly one optimizer update (including any
	// learning-rate schedule step). globalStep is the index of the update
	// being applied.
	ApplyUpdate(globalStep int64) error
}

// Model exposes the trainable parameters as named float32 slices, the access
// the loop needs to maintain EMA weights and the final export.
type Model interface {
	Parameters() map[string][]float32
}

// Plan holds the step-accounting quantities derived from the configuration.
//
// These are bookkeeping only: the loop never requires exact epoch
// boundaries, and it is the GlobalStep >= MaxTrainSteps check that is
// authoritative for termination, independent of epoch-count rounding.
type Plan struct {
	MaxTrainSteps             int64
	GradientAccumulationSteps int
	PerGPUBatchSize           int
	NumProcesses              int
	MaxTrainExamples          int

	// EffectiveBatchSize = PerGPUBatchSize * NumProcesses.
	EffectiveBatchSize int

	// BatchesPerEpoch = ceil(MaxTrainExamples / EffectiveBatchSize).
	BatchesPerEpoch int

	// UpdatesPerEpoch = ceil(BatchesPerEpoch / GradientAccumulationSteps).
	UpdatesPerEpoch int

	// NumEpochs = ceil(MaxTrainSteps / UpdatesPerEpoch).
	NumEpochs int
}

// NewPlan derives the step accounting for the given configuration and
// process count.
func NewPlan(cfg *config.Config, numProcesses int) (Plan, error) {
	if numProcesses < 1 {
		return Plan{}, errors.Errorf("numProcesses must be >= 1, got %d", numProcesses)
	}
	p := Plan{
		MaxTrainSteps:             int64(cfg.Training.MaxTrainSteps),
		GradientAccumulationSteps: cfg.Training.GradientAccumulationSteps,
		PerGPUBatchSize:           cfg.Training.PerGPUBatchSize,
		NumProcesses:              numProcesses,
		MaxTrainExamples:          cfg.Experiment.MaxTrainExamples,
	}
	if p.MaxTrainSteps <= 0 {
		return Plan{}, errors.Errorf("max_train_steps must be > 0, got %d", p.MaxTrainSteps)
	}
	if p.GradientAccumulationSteps < 1 {
		return Plan{}, errors.Errorf("gradient_accumulation_steps must be >= 1, got %d", p.GradientAccumulationSteps)
	}
	if p.PerGPUBatchSize <= 0 {
		return Plan{}, errors.Errorf("per_gpu_batch_size must be > 0, got %d", p.PerGPUBatchSize)
	}
	p.EffectiveBatchSize = p.PerGPUBatchSize * p.NumProcesses
	p.BatchesPerEpoch = ceilDiv(p.MaxTrainExamples, p.EffectiveBatchSize)
	p.UpdatesPerEpoch = ceilDiv(p.BatchesPerEpoch, p.GradientAccumulationSteps)
	p.NumEpochs = DeriveEpochs(p.MaxTrainSteps, p.UpdatesPerEpoch)
	return p, nil
}

// DeriveEpochs returns ceil(maxTrainSteps / updatesPerEpoch), the number of
// epoch iterations needed to exhaust the step budget.
func DeriveEpochs(maxTrainSteps int64, updatesPerEpoch int) int {
	if updatesPerEpoch < 1 {
		return 0
	}
	return int(math.Ceil(float64(maxTrainSteps) / float64(updatesPerEpoch)))
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
