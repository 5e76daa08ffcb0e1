package checkpoints

import (
	"github.com/pkg/errors"
)

// This file implements the auto-resume resolver: at process startup it
// inspects the store and decides whether this is a fresh run or a
// continuation, and from which step and epoch the run continues.

// ResumePoint is the computed starting point of a run.
type ResumePoint struct {
	// GlobalStep is the number of optimizer updates already completed.
	GlobalStep int64

	// FirstEpoch is the epoch the loop resumes at, derived as
	// GlobalStep / updatesPerEpoch. The dataloader position inside the
	// epoch is not reconstructed: resumption is epoch-granular, not
	// batch-exact, an accepted approximation of this trainer.
	FirstEpoch int

	// Resumed is false for a fresh start.
	Resumed bool
}

// Resume computes the resumption point and, when a checkpoint exists,
// restores the bundle's components from the most recent record.
//
// With no checkpoint present it returns a fresh start, unless required is
// set, in which case it fails with ErrNoCheckpoint. A checkpoint that exists
// but cannot be read is always fatal: the run must not silently restart from
// scratch when resumption was expected. Under strict loading the record must
// carry exactly the configured component set; non-strict loading initializes
// missing optional components (for example EMA weights) fresh.
func (h *Handler) Resume(updatesPerEpoch int, strict, required bool) (ResumePoint, error) {
	if updatesPerEpoch < 1 {
		return ResumePoint{}, errors.Errorf("updatesPerEpoch must be >= 1, got %d", updatesPerEpoch)
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return ResumePoint{}, err
	}
	if len(list) == 0 {
		if required {
			return ResumePoint{}, errors.Wrapf(ErrNoCheckpoint, "resume required in %q", h.config.dir)
		}
		return ResumePoint{}, nil
	}
	latest := list[len(list)-1]
	idx, err := h.Load(latest, strict)
	if err != nil {
		return ResumePoint{}, errors.WithMessagef(err, "auto-resume from %q", latest)
	}
	return ResumePoint{
		GlobalStep: idx.GlobalStep,
		FirstEpoch: int(idx.GlobalStep) / updatesPerEpoch,
		Resumed:    true,
	}, nil
}
