package train

import (
	"io"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
	xslices "golang.org/x/exp/slices"

	"github.com/ali-vilab/alitok/distributed"
	"github.com/ali-vilab/alitok/ema"
	"github.com/ali-vilab/alitok/mplog"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but
// negative values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks, called once per completed optimizer
// update with the mean loss over the accumulation window.
type OnStepFn func(loop *Loop, loss float64) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop) error

// Loop runs the training epochs, invoking Trainer.TrainStep on every
// micro-batch and Trainer.ApplyUpdate once per satisfied accumulation
// window, and calling the registered hooks.
//
// In itself it doesn't do much; functionality like checkpointing, trackers
// and progress reporting is attached through hooks.
//
// The public attributes are meant for reading only, don't change them while
// the loop runs -- behavior can be undefined.
type Loop struct {
	// Plan holds the derived step accounting.
	Plan Plan

	// Trainer performs forward/backward and optimizer updates.
	Trainer Trainer

	// Dist is the distributed execution context of this process.
	Dist distributed.Context

	// Logger receives the run-facing log lines. May be nil (silent).
	Logger *mplog.Logger

	// GlobalStep counts completed optimizer updates since training began.
	// It is the authoritative progress counter: it never decreases, and
	// it is incremented exactly once per effective batch, not per
	// micro-batch. Set it (together with Epoch) from the resume point
	// before calling Run.
	GlobalStep int64

	// Epoch currently being executed.
	Epoch int

	// EMA, when non-nil, is updated after every optimizer update. Model
	// must then be set too.
	EMA   *ema.Weights
	Model Model

	// SharedData allows cross-hook publishing of information. Keys and
	// the semantics of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a training loop for the given plan and collaborators.
func NewLoop(plan Plan, trainer Trainer, dist distributed.Context, logger *mplog.Logger) *Loop {
	return &Loop{
		Plan:       plan,
		Trainer:    trainer,
		Dist:       dist,
		Logger:     logger,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// WithEMA configures the loop to fold every optimizer update into the given
// shadow weights. It returns loop so calls can be cascaded.
func (loop *Loop) WithEMA(weights *ema.Weights, model Model) *Loop {
	loop.EMA = weights
	loop.Model = model
	return loop
}

func (loop *Loop) infof(format string, args ...any) {
	if loop.Logger != nil {
		loop.Logger.Infof(format, args...)
	}
}

// Run executes the epoch loop from (Epoch, GlobalStep) until the step budget
// is exhausted.
//
// All processes rendezvous immediately before and after training, so every
// process observes the same final state before any single-process-only
// artifact work runs. Errors from the trainer collaborator are not caught
// here: any failure propagates (after signaling peers through the
// distributed context) and aborts the run. The loop performs no retries.
func (loop *Loop) Run(ds Dataset) error {
	if err := loop.Dist.WaitForEveryone(); err != nil {
		return errors.WithMessage(err, "pre-training barrier")
	}
	if err := loop.start(ds); err != nil {
		loop.Dist.Abort(err)
		return err
	}
	loop.TrainStepDurations = nil
	for ; loop.Epoch < loop.Plan.NumEpochs; loop.Epoch++ {
		loop.infof("Epoch %d/%d started.", loop.Epoch, loop.Plan.NumEpochs-1)
		if err := loop.runEpoch(ds); err != nil {
			loop.Dist.Abort(err)
			return errors.WithMessagef(err, "epoch %d (global step %d)", loop.Epoch, loop.GlobalStep)
		}
		// The step budget is authoritative for termination: exit as
		// soon as it is met, whether the epoch estimate over- or
		// under-shot.
		if loop.GlobalStep >= loop.Plan.MaxTrainSteps {
			loop.infof("Finishing training: Global step is >= Max train steps: %d >= %d",
				loop.GlobalStep, loop.Plan.MaxTrainSteps)
			break
		}
	}
	if err := loop.Dist.WaitForEveryone(); err != nil {
		return errors.WithMessage(err, "post-training barrier")
	}
	return loop.end()
}

// runEpoch consumes micro-batches until the dataset ends or the step budget
// is met, applying one optimizer update per accumulation window.
func (loop *Loop) runEpoch(ds Dataset) error {
	var windowLoss float64
	var windowSize int
	for loop.GlobalStep < loop.Plan.MaxTrainSteps {
		batch, err := ds.Yield()
		if err == io.EOF {
			// Epoch boundary. A partial accumulation window still
			// counts as one (smaller) effective batch.
			if windowSize > 0 {
				if err := loop.applyUpdate(windowLoss / float64(windowSize)); err != nil {
					return err
				}
			}
			return ds.Reset()
		}
		if err != nil {
			return errors.WithMessage(err, "failed reading from dataset")
		}

		startTime := time.Now()
		loss, err := loop.Trainer.TrainStep(batch)
		loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
		if err != nil {
			return errors.WithMessage(err, "TrainStep")
		}
		if math.IsNaN(loss) {
			return errors.Errorf("batch loss is NaN, training interrupted")
		}
		if math.IsInf(loss, 0) {
			return errors.Errorf("batch loss is infinity (%f), training interrupted", loss)
		}
		windowLoss += loss
		windowSize++

		if windowSize == loop.Plan.GradientAccumulationSteps {
			if err := loop.applyUpdate(windowLoss / float64(windowSize)); err != nil {
				return err
			}
			windowLoss, windowSize = 0, 0
		}
	}
	return nil
}

// applyUpdate performs one optimizer update: gradient synchronization and
// the update itself live in the trainer collaborator; the loop owns the step
// accounting, the EMA fold and the per-update hooks.
func (loop *Loop) applyUpdate(meanLoss float64) error {
	if err := loop.Trainer.ApplyUpdate(loop.GlobalStep); err != nil {
		return errors.WithMessagef(err, "ApplyUpdate(global step %d)", loop.GlobalStep)
	}
	loop.GlobalStep++
	if loop.EMA != nil {
		loop.EMA.Update(loop.Model.Parameters())
	}
	return loop.step(meanLoss)
}

// start of loop, called once per Run. It calls the appropriate hooks.
func (loop *Loop) start(ds Dataset) (err error) {
	loop.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if err != nil {
			// After the first error stop.
			return
		}
		err = hook.fn(loop, ds)
		if err != nil {
			err = errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	})
	return
}

// step hooks, called after each completed optimizer update.
func (loop *Loop) step(loss float64) (err error) {
	loop.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, loss)
		if err != nil {
			err = errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	})
	return
}

// end of loop. It calls the appropriate hooks.
func (loop *Loop) end() (err error) {
	loop.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

// MedianTrainStepDuration returns the median duration of each training step.
// It returns 1 millisecond if no training step was recorded (to avoid a
// potential division by 0).
//
// It sorts and mutates a copy of loop.TrainStepDurations.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := append([]time.Duration(nil), loop.TrainStepDurations...)
	xslices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to
// the start of the loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting),
// called after every completed optimizer update.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to
// the end of the loop, after the post-training rendezvous.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate will call fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
