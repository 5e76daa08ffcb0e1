// Package tracker records per-step training metrics for an experiment.
//
// The trainer logs either to a tensorboard-style or a wandb-style tracker
// directory; both are backed by the same JSONL writer here, under
// `<logging_dir>/<kind>/`. Trackers are initialized on the primary process
// only.
package tracker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Tracker receives run metadata and per-step metrics.
type Tracker interface {
	// Init starts a tracked run under the given experiment name.
	Init(runName string) error

	// LogStep records the metrics for one completed optimizer update.
	LogStep(step int64, metrics map[string]float64) error

	// End flushes and closes the run.
	End() error
}

// Kinds understood by New. The kind selects the tracker directory layout,
// mirroring the backend choice of the run configuration (enable_wandb).
const (
	KindTensorboard = "tensorboard"
	KindWandb       = "wandb"
)

// FileTracker is a JSONL file backed Tracker.
type FileTracker struct {
	kind  string
	dir   string
	runID string

	enc *json.Encoder
	f   *os.File
}

// New returns a file tracker of the given kind writing under loggingDir.
func New(kind, loggingDir string) *FileTracker {
	return &FileTracker{
		kind:  kind,
		dir:   filepath.Join(loggingDir, kind),
		runID: uuid.NewString(),
	}
}

// RunID identifies this tracked run.
func (t *FileTracker) RunID() string { return t.runID }

// Init implements Tracker.
func (t *FileTracker) Init(runName string) error {
	if err := os.MkdirAll(t.dir, 0o770); err != nil {
		return errors.Wrapf(err, "failed to create tracker directory %q", t.dir)
	}
	path := filepath.Join(t.dir, "run-"+t.runID+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create tracker file %q", path)
	}
	t.f = f
	t.enc = json.NewEncoder(f)
	header := map[string]any{
		"run_name":   runName,
		"run_id":     t.runID,
		"tracker":    t.kind,
		"started_at": time.Now().Format(time.RFC3339),
	}
	return errors.Wrap(t.enc.Encode(header), "failed to write tracker header")
}

// LogStep implements Tracker.
func (t *FileTracker) LogStep(step int64, metrics map[string]float64) error {
	if t.enc == nil {
		return errors.Errorf("tracker not initialized, call Init first")
	}
	record := map[string]any{
		"step":    step,
		"time":    time.Now().Format(time.RFC3339Nano),
		"metrics": metrics,
	}
	return errors.Wrapf(t.enc.Encode(record), "failed to write tracker record at step %d", step)
}

// End implements Tracker.
func (t *FileTracker) End() error {
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f, t.enc = nil, nil
	return errors.Wrap(err, "failed to close tracker file")
}

// Nop is a Tracker that discards everything. Non-primary processes use it.
type Nop struct{}

func (Nop) Init(string) error                       { return nil }
func (Nop) LogStep(int64, map[string]float64) error { return nil }
func (Nop) End() error                              { return nil }
