// Package checkpoints implements checkpoint management for the trainer:
// durable, atomic persistence of the trainable state plus the global step
// counter, and auto-resume from the most recent record.
//
// The main object is the Handler, created by calling Build, followed by the
// option setters and finally Config.Done:
//
//	bundle := checkpoints.NewBundle().
//		Add("model", model).
//		Add("optimizer", opt).
//		Add("scheduler", sched)
//	handler, err := checkpoints.Build(bundle, dist).
//		Dir(outputDir).Keep(3).Done()
//
// Save is safe to call from every process: only the primary process writes,
// and all processes rendezvous afterwards, so none proceeds before the
// record is durable. A checkpoint is published atomically: data and index
// are written under temporary names and renamed, index last, so a partially
// written record is never visible and never overwrites the last good one.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/ali-vilab/alitok/distributed"
)

// DirPermMode is the directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0o770)

// ErrNoCheckpoint is returned when a resume is requested but no checkpoint
// exists in the configured directory.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// CorruptError reports a checkpoint that exists but fails validation: an
// unreadable file, or a component set that does not match the configured
// bundle under strict loading. It is never silently degraded to a fresh
// start.
type CorruptError struct {
	Path   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt checkpoint %q: %s", e.Path, e.Reason)
}

// State is implemented by every component whose contents are persisted in a
// checkpoint (model parameters, optimizer state, scheduler state, EMA
// weights).
type State interface {
	// StateBytes serializes the component.
	StateBytes() ([]byte, error)

	// SetStateBytes restores the component from a serialization produced
	// by StateBytes.
	SetStateBytes(data []byte) error
}

// Bundle is the ordered, named set of components a checkpoint captures.
type Bundle struct {
	names  []string
	states map[string]State
}

// NewBundle returns an empty bundle.
func NewBundle() *Bundle {
	return &Bundle{states: make(map[string]State)}
}

// Add registers a named component. It returns the bundle so calls can be
// cascaded. Adding the same name twice panics: it is a wiring error.
func (b *Bundle) Add(name string, state State) *Bundle {
	if _, found := b.states[name]; found {
		panic(errors.Errorf("checkpoint bundle already has a component named %q", name))
	}
	b.names = append(b.names, name)
	b.states[name] = state
	return b
}

// Names returns the component names in registration order.
func (b *Bundle) Names() []string {
	return append([]string(nil), b.names...)
}

// Config for the Handler to be created. Build() creates it, the various
// methods configure it, Done() finalizes it.
type Config struct {
	bundle *Bundle
	dist   distributed.Context

	err error

	dir   string
	keep  int
	runID string
	seed  int64
}

// Build starts the configuration of a Handler for the given bundle under the
// given distributed context.
func Build(bundle *Bundle, dist distributed.Context) *Config {
	return &Config{
		bundle: bundle,
		dist:   dist,
		keep:   1,
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where checkpoints are saved and loaded from,
// creating it if needed.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoint path %q exists but is not a directory", dir))
		return c
	}
	if err == nil {
		return c
	}
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// Keep configures the number of checkpoints to retain. If set to -1 older
// checkpoints are never erased. The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// RunID records the run identity in every checkpoint index.
func (c *Config) RunID(id string) *Config {
	c.runID = id
	return c
}

// Seed records the training seed in every checkpoint index.
func (c *Config) Seed(seed int64) *Config {
	c.seed = seed
	return c
}

// Done creates a Handler with the current configuration.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	if len(c.bundle.names) == 0 {
		return nil, errors.Errorf("checkpoint bundle has no components")
	}
	h := &Handler{config: c}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	h.checkpointsCount = maxCheckpointCount(list) + 1
	return h, nil
}

// MustDone constructs the Handler, panicking on error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "failed to create checkpoints.Handler"))
	}
	return h
}

// Handler saves and loads checkpoints for one bundle. See the package
// documentation for an example.
type Handler struct {
	config           *Config
	checkpointsCount int
}

// Index is the durable description of one checkpoint, stored as JSON next to
// the binary data file.
type Index struct {
	GlobalStep   int64            `json:"global_step"`
	RunID        string           `json:"run_id,omitempty"`
	NumProcesses int              `json:"num_processes"`
	Seed         int64            `json:"seed"`
	SavedAt      time.Time        `json:"saved_at"`
	Components   []componentEntry `json:"components"`
}

// componentEntry locates one serialized component inside the data file.
type componentEntry struct {
	Name   string `json:"name"`
	Pos    int64  `json:"pos"`
	Length int64  `json:"length"`
}

const (
	baseNamePrefix = "checkpoint-"
	indexSuffix    = ".json"
	dataSuffix     = ".bin"
	tmpSuffix      = ".tmp"
)

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory the Handler is configured to. It returns ""
// (empty) if the Handler is nil.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

func (h *Handler) newCheckpointBaseName(globalStep int64) string {
	now := time.Now().Format("20060102-150405")
	return fmt.Sprintf("%sn%07d-%s-step-%08d", baseNamePrefix, h.checkpointsCount, now, globalStep)
}

// ListCheckpoints returns the base names of the checkpoints in the directory,
// oldest first. Only fully published records (index present) are listed.
func (h *Handler) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	var list []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, indexSuffix) {
			continue
		}
		list = append(list, fileName[:len(fileName)-len(indexSuffix)])
	}
	sort.Strings(list)
	return list, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckpointCount returns the largest sequence number among the saved
// checkpoints, so the next save uses count+1. The input should be the output
// of Handler.ListCheckpoints.
func maxCheckpointCount(list []string) int {
	maxID := -1
	for _, name := range list {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

// Save writes a new checkpoint for the given global step.
//
// Every process must call it: only the primary performs the filesystem
// write, and all processes rendezvous before returning, so none proceeds
// assuming the checkpoint exists before it is durable. A write failure on
// the primary is propagated to every process through the distributed
// context, so no peer is left waiting at the barrier.
func (h *Handler) Save(globalStep int64) error {
	var saveErr error
	if h.config.dist.IsMainProcess() {
		saveErr = h.write(globalStep)
		if saveErr != nil {
			h.config.dist.Abort(saveErr)
		}
	}
	if err := h.config.dist.WaitForEveryone(); err != nil {
		if saveErr != nil {
			return saveErr
		}
		return err
	}
	return saveErr
}

// write serializes the bundle and publishes the record. Primary process
// only.
func (h *Handler) write(globalStep int64) error {
	baseName := h.newCheckpointBaseName(globalStep)
	h.checkpointsCount++

	idx := Index{
		GlobalStep:   globalStep,
		RunID:        h.config.runID,
		NumProcesses: h.config.dist.NumProcesses(),
		Seed:         h.config.seed,
		SavedAt:      time.Now(),
	}

	dataName := filepath.Join(h.config.dir, baseName+dataSuffix)
	dataFile, err := os.Create(dataName + tmpSuffix)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint data file", h)
	}
	var pos int64
	for _, name := range h.config.bundle.names {
		data, err := h.config.bundle.states[name].StateBytes()
		if err != nil {
			_ = dataFile.Close()
			return errors.Wrapf(err, "%s: failed to serialize component %q", h, name)
		}
		n, err := dataFile.Write(data)
		if err != nil {
			_ = dataFile.Close()
			return errors.Wrapf(err, "%s: failed to write component %q", h, name)
		}
		if n != len(data) {
			_ = dataFile.Close()
			return errors.Errorf("%s: short write for component %q: %d of %d bytes", h, name, n, len(data))
		}
		idx.Components = append(idx.Components, componentEntry{
			Name:   name,
			Pos:    pos,
			Length: int64(len(data)),
		})
		pos += int64(len(data))
	}
	if err := dataFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint data file", h)
	}
	if err := os.Rename(dataName+tmpSuffix, dataName); err != nil {
		return errors.Wrapf(err, "%s: failed to publish checkpoint data file", h)
	}

	indexName := filepath.Join(h.config.dir, baseName+indexSuffix)
	indexData, err := json.MarshalIndent(&idx, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "%s: failed to encode checkpoint index", h)
	}
	if err := os.WriteFile(indexName+tmpSuffix, indexData, 0o644); err != nil {
		return errors.Wrapf(err, "%s: failed to write checkpoint index file", h)
	}
	// The rename of the index publishes the checkpoint: listings only see
	// records with an index present.
	if err := os.Rename(indexName+tmpSuffix, indexName); err != nil {
		return errors.Wrapf(err, "%s: failed to publish checkpoint index file", h)
	}
	klog.V(1).Infof("saved checkpoint %s at step %d (%s of state)",
		baseName, globalStep, humanize.Bytes(uint64(pos)))
	return h.pruneCheckpoints()
}

// pruneCheckpoints removes the excess over the configured retention cap,
// oldest first. The most recent record is never removed.
func (h *Handler) pruneCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.Wrapf(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}
	for _, baseName := range list[:len(list)-h.config.keep] {
		for _, suffix := range []string{indexSuffix, dataSuffix} {
			fileName := filepath.Join(h.config.dir, baseName+suffix)
			if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

// Load restores the bundle from the checkpoint with the given base name and
// returns its index.
//
// Under strict loading the record's component set must match the bundle
// exactly: a record saved without a configured component (say, EMA weights)
// fails with a *CorruptError, and so does a record carrying components the
// bundle does not expect. Non-strict loading restores the intersection and
// leaves missing components fresh.
func (h *Handler) Load(baseName string, strict bool) (*Index, error) {
	indexName := filepath.Join(h.config.dir, baseName+indexSuffix)
	indexData, err := os.ReadFile(indexName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNoCheckpoint, "checkpoint %q", baseName)
		}
		return nil, &CorruptError{Path: indexName, Reason: err.Error()}
	}
	var idx Index
	if err := json.Unmarshal(indexData, &idx); err != nil {
		return nil, &CorruptError{Path: indexName, Reason: "invalid index: " + err.Error()}
	}

	recorded := make(map[string]componentEntry, len(idx.Components))
	for _, entry := range idx.Components {
		recorded[entry.Name] = entry
	}
	if strict {
		for _, name := range h.config.bundle.names {
			if _, found := recorded[name]; !found {
				return nil, &CorruptError{Path: indexName,
					Reason: fmt.Sprintf("missing component %q expected by this run", name)}
			}
		}
		if len(recorded) != len(h.config.bundle.names) {
			return nil, &CorruptError{Path: indexName,
				Reason: fmt.Sprintf("record has %d components, this run expects %d (%v)",
					len(recorded), len(h.config.bundle.names), h.config.bundle.names)}
		}
	}

	dataName := filepath.Join(h.config.dir, baseName+dataSuffix)
	data, err := os.ReadFile(dataName)
	if err != nil {
		return nil, &CorruptError{Path: dataName, Reason: err.Error()}
	}
	for _, name := range h.config.bundle.names {
		entry, found := recorded[name]
		if !found {
			// Non-strict load with an optional component absent from
			// the record: keep it freshly initialized.
			continue
		}
		if entry.Pos < 0 || entry.Pos+entry.Length > int64(len(data)) {
			return nil, &CorruptError{Path: dataName,
				Reason: fmt.Sprintf("component %q extends past end of data file", name)}
		}
		if err := h.config.bundle.states[name].SetStateBytes(data[entry.Pos : entry.Pos+entry.Length]); err != nil {
			return nil, &CorruptError{Path: dataName,
				Reason: fmt.Sprintf("failed to restore component %q: %v", name, err)}
		}
	}
	klog.V(1).Infof("loaded checkpoint %s (global step %d)", baseName, idx.GlobalStep)
	return &idx, nil
}

// GlobalStepOf parses the step a listed checkpoint was saved at.
func GlobalStepOf(baseName string) (int64, bool) {
	i := strings.LastIndex(baseName, "-step-")
	if i < 0 {
		return 0, false
	}
	step, err := strconv.ParseInt(baseName[i+len("-step-"):], 10, 64)
	if err != nil {
		return 0, false
	}
	return step, true
}
