// Package distributed models the distributed-execution context the trainer
// runs under: one process per participating worker, all executing the same
// program (data-parallel SPMD), coordinated through explicit barriers and a
// gradient all-reduce.
//
// The trainer core consumes the narrow Context interface and never arbitrates
// step ordering itself: all workers performing the same number of optimizer
// updates in lockstep is a property the execution context guarantees.
//
// Two implementations are provided: Single, for one-process runs, and
// NewGroup, which creates cooperating in-process contexts sharing a cyclic
// rendezvous barrier. The latter drives local multi-worker runs and the
// multi-worker tests.
package distributed

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context is the execution context of one worker process.
type Context interface {
	// ProcessIndex is the rank of this worker, in [0, NumProcesses).
	ProcessIndex() int

	// NumProcesses is the number of cooperating workers.
	NumProcesses() int

	// IsMainProcess reports whether this worker is the primary process,
	// the only one allowed to perform run-wide side effects (config
	// snapshot, checkpoint writes, final export).
	IsMainProcess() bool

	// Device names the device this worker drives.
	Device() string

	// WaitForEveryone blocks until every worker reaches the same barrier.
	// If any worker aborted, it returns that worker's error on all
	// workers, so no process is left waiting on a failed peer.
	WaitForEveryone() error

	// AllReduceMean replaces every value in grads, in place, with the
	// elementwise mean of the corresponding values across all workers.
	// The parameter names and shapes must match on every worker. It
	// blocks until every worker contributes.
	AllReduceMean(grads map[string][]float32) error

	// Abort signals a failure to every worker blocked on (or arriving at)
	// a barrier.
	Abort(err error)
}

// Single is the one-process Context. Barriers are no-ops.
type Single struct {
	err error
}

// NewSingle returns the Context for a standalone run.
func NewSingle() *Single { return &Single{} }

func (s *Single) ProcessIndex() int   { return 0 }
func (s *Single) NumProcesses() int   { return 1 }
func (s *Single) IsMainProcess() bool { return true }
func (s *Single) Device() string      { return "cpu:0" }

func (s *Single) WaitForEveryone() error { return s.err }

func (s *Single) AllReduceMean(map[string][]float32) error { return s.err }

func (s *Single) Abort(err error) {
	if s.err == nil {
		s.err = err
	}
}

// barrier is a cyclic rendezvous shared by the workers of one group.
type barrier struct {
	n int

	mu         sync.Mutex
	cond       *sync.Cond
	arrived    int
	generation int
	err        error
}

func (b *barrier) wait(rank int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	gen := b.generation
	b.arrived++
	if b.arrived == b.n {
		// Last one in releases the whole generation.
		b.arrived = 0
		b.generation++
		b.cond.Broadcast()
		return nil
	}
	klog.V(2).Infof("worker %d waiting at barrier (generation %d)", rank, gen)
	for gen == b.generation && b.err == nil {
		b.cond.Wait()
	}
	return b.err
}

func (b *barrier) abort(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = errors.WithMessage(err, "aborted by peer worker")
		b.cond.Broadcast()
	}
}

// reducer is the cyclic all-reduce shared by the workers of one group. Each
// round collects one gradient map per worker, averages them elementwise and
// writes the mean back into every contribution.
type reducer struct {
	n int

	mu         sync.Mutex
	cond       *sync.Cond
	contribs   []map[string][]float32
	generation int
	err        error
}

func (r *reducer) allReduceMean(rank int, grads map[string][]float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	gen := r.generation
	r.contribs = append(r.contribs, grads)
	if len(r.contribs) == r.n {
		err := reduceMean(r.contribs)
		r.contribs = nil
		r.generation++
		if err != nil && r.err == nil {
			// A shape mismatch is a wiring error; the group cannot
			// continue without a worker's gradients.
			r.err = err
		}
		r.cond.Broadcast()
		return err
	}
	klog.V(2).Infof("worker %d waiting at all-reduce (generation %d)", rank, gen)
	for gen == r.generation && r.err == nil {
		r.cond.Wait()
	}
	return r.err
}

func (r *reducer) abort(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = errors.WithMessage(err, "aborted by peer worker")
		r.cond.Broadcast()
	}
}

// reduceMean averages the contributions elementwise, writing the mean back
// into every contribution so each worker observes the same gradients.
func reduceMean(contribs []map[string][]float32) error {
	first := contribs[0]
	for _, other := range contribs[1:] {
		if len(other) != len(first) {
			return errors.Errorf("all-reduce: workers contributed %d and %d parameters", len(first), len(other))
		}
		for name, values := range first {
			otherValues, found := other[name]
			if !found || len(otherValues) != len(values) {
				return errors.Errorf("all-reduce: parameter %q differs in shape across workers", name)
			}
		}
	}
	scale := float32(1) / float32(len(contribs))
	for name, values := range first {
		for i := range values {
			var sum float32
			for _, contrib := range contribs {
				sum += contrib[name][i]
			}
			mean := sum * scale
			for _, contrib := range contribs {
				contrib[name][i] = mean
			}
		}
	}
	return nil
}

// worker is one member of an in-process group.
type worker struct {
	rank    int
	barrier *barrier
	reducer *reducer
}

func (w *worker) ProcessIndex() int   { return w.rank }
func (w *worker) NumProcesses() int   { return w.barrier.n }
func (w *worker) IsMainProcess() bool { return w.rank == 0 }
func (w *worker) Device() string      { return fmt.Sprintf("cpu:%d", w.rank) }

func (w *worker) WaitForEveryone() error { return w.barrier.wait(w.rank) }

func (w *worker) AllReduceMean(grads map[string][]float32) error {
	return w.reducer.allReduceMean(w.rank, grads)
}

func (w *worker) Abort(err error) {
	w.barrier.abort(err)
	w.reducer.abort(err)
}

// NewGroup creates numProcesses cooperating contexts sharing one rendezvous
// barrier. Rank 0 is the primary.
func NewGroup(numProcesses int) []Context {
	if numProcesses < 1 {
		numProcesses = 1
	}
	b := &barrier{n: numProcesses}
	b.cond = sync.NewCond(&b.mu)
	r := &reducer{n: numProcesses}
	r.cond = sync.NewCond(&r.mu)
	group := make([]Context, numProcesses)
	for rank := range group {
		group[rank] = &worker{rank: rank, barrier: b, reducer: r}
	}
	return group
}
