package train

import (
	"fmt"
	"time"
)

// everyNSteps is used to implement EveryNSteps.
type everyNSteps struct {
	n, count int
	fn       OnStepFn
}

func (eN *everyNSteps) onStep(loop *Loop, loss float64) error {
	eN.count++
	if eN.count%eN.n != 0 {
		return nil
	}
	return eN.fn(loop, loss)
}

// EveryNSteps registers an OnStep hook on the loop that is called every N
// completed optimizer updates.
//
// Notice that it does not call fn at the last step (except by coincidence);
// attach an OnEnd hook for end-of-run work.
func EveryNSteps(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	eN := &everyNSteps{n: n, fn: fn}
	fullName := fmt.Sprintf("EveryNSteps(%d): %s", n, name)
	loop.OnStep(fullName, priority, eN.onStep)
}

// nTimes is used to implement NTimesDuringLoop.
type nTimes struct {
	n, nUsed  int
	startStep int64
	fn        OnStepFn
}

func (nT *nTimes) onStart(loop *Loop, _ Dataset) error {
	nT.startStep = loop.GlobalStep
	nT.nUsed = 0
	return nil
}

func (nT *nTimes) onStep(loop *Loop, loss float64) error {
	if loop.GlobalStep < loop.Plan.MaxTrainSteps { // The last update is always included.
		totalSteps := loop.Plan.MaxTrainSteps - nT.startStep
		stepsDone := loop.GlobalStep - nT.startStep
		stepsPerCall := float64(totalSteps) / float64(nT.n)
		if stepsPerCall > 1 && float64(nT.nUsed) > float64(stepsDone)/stepsPerCall {
			return nil
		}
	}
	nT.nUsed++
	return nT.fn(loop, loss)
}

// NTimesDuringLoop registers an OnStep hook on the loop that is called at
// most N times, split evenly across the remaining step budget. It always
// calls fn at the very last update.
func NTimesDuringLoop(loop *Loop, n int, name string, priority Priority, fn OnStepFn) {
	nT := &nTimes{n: n, fn: fn}
	fullName := fmt.Sprintf("NTimesDuringLoop(%d): %s", n, name)
	loop.OnStart(fullName, priority, nT.onStart)
	loop.OnStep(fullName, priority, nT.onStep)
}

// periodicCallback is used to implement PeriodicCallback.
type periodicCallback struct {
	period time.Duration
	last   time.Time
	fn     OnStepFn
}

func (p *periodicCallback) onStart(loop *Loop, _ Dataset) error {
	p.last = time.Now()
	return nil
}

func (p *periodicCallback) onStep(loop *Loop, loss float64) error {
	if time.Since(p.last) < p.period {
		return nil
	}
	p.last = time.Now()
	return p.fn(loop, loss)
}

// PeriodicCallback registers an OnStep hook called at most once per period,
// wall-clock. Useful for display updates that should not depend on step
// duration.
func PeriodicCallback(loop *Loop, period time.Duration, name string, priority Priority, fn OnStepFn) {
	p := &periodicCallback{period: period, fn: fn}
	fullName := fmt.Sprintf("PeriodicCallback(%s): %s", period, name)
	loop.OnStart(fullName, priority, p.onStart)
	loop.OnStep(fullName, priority, p.onStep)
}
