package checkpoints

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ali-vilab/alitok/distributed"
)

// fakeState is a minimal checkpointable component.
type fakeState struct {
	Values map[string]float64
}

func newFakeState(kv ...any) *fakeState {
	s := &fakeState{Values: make(map[string]float64)}
	for i := 0; i < len(kv); i += 2 {
		s.Values[kv[i].(string)] = kv[i+1].(float64)
	}
	return s
}

func (s *fakeState) StateBytes() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(s.Values)
	return buf.Bytes(), err
}

func (s *fakeState) SetStateBytes(data []byte) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(&s.Values)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	model := newFakeState("w", 1.5)
	opt := newFakeState("v", -0.25)
	handler := Build(NewBundle().Add("model", model).Add("optimizer", opt),
		distributed.NewSingle()).Dir(dir).Keep(3).Seed(42).MustDone()

	require.NoError(t, handler.Save(7))
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 1)
	step, ok := GlobalStepOf(list[0])
	require.True(t, ok)
	assert.Equal(t, int64(7), step)

	// Restore into fresh components through a second handler.
	model2 := newFakeState()
	opt2 := newFakeState()
	handler2 := Build(NewBundle().Add("model", model2).Add("optimizer", opt2),
		distributed.NewSingle()).Dir(dir).Keep(3).MustDone()
	idx, err := handler2.Load(list[0], true)
	require.NoError(t, err)
	assert.Equal(t, int64(7), idx.GlobalStep)
	assert.Equal(t, int64(42), idx.Seed)
	assert.Equal(t, 1, idx.NumProcesses)
	assert.Equal(t, model.Values, model2.Values)
	assert.Equal(t, opt.Values, opt2.Values)
}

func TestNoTemporaryLeftovers(t *testing.T) {
	dir := t.TempDir()
	handler := Build(NewBundle().Add("model", newFakeState("w", 1.0)),
		distributed.NewSingle()).Dir(dir).MustDone()
	require.NoError(t, handler.Save(1))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasSuffix(entry.Name(), tmpSuffix),
			"temporary file %q left after publish", entry.Name())
	}
}

func TestRetention(t *testing.T) {
	dir := t.TempDir()
	handler := Build(NewBundle().Add("model", newFakeState("w", 1.0)),
		distributed.NewSingle()).Dir(dir).Keep(3).MustDone()

	// K+1 saves with a cap of K: exactly K remain, the most recent by
	// step index.
	for step := int64(1); step <= 4; step++ {
		require.NoError(t, handler.Save(step))
	}
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 3)
	var steps []int64
	for _, baseName := range list {
		step, ok := GlobalStepOf(baseName)
		require.True(t, ok)
		steps = append(steps, step)
	}
	assert.Equal(t, []int64{2, 3, 4}, steps)
}

func TestRetentionUnlimited(t *testing.T) {
	dir := t.TempDir()
	handler := Build(NewBundle().Add("model", newFakeState("w", 1.0)),
		distributed.NewSingle()).Dir(dir).Keep(-1).MustDone()
	for step := int64(1); step <= 5; step++ {
		require.NoError(t, handler.Save(step))
	}
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, 5)
}

func TestStrictComponentMismatch(t *testing.T) {
	dir := t.TempDir()

	// Save without EMA weights.
	noEMA := Build(NewBundle().Add("model", newFakeState("w", 1.0)),
		distributed.NewSingle()).Dir(dir).MustDone()
	require.NoError(t, noEMA.Save(3))
	list, err := noEMA.ListCheckpoints()
	require.NoError(t, err)
	latest := list[len(list)-1]

	// A run configured with EMA cannot strict-load it.
	withEMA := Build(NewBundle().Add("model", newFakeState()).Add("ema", newFakeState()),
		distributed.NewSingle()).Dir(dir).MustDone()
	_, err = withEMA.Load(latest, true)
	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Contains(t, corrupt.Reason, "ema")

	// Non-strict: the model resumes, the missing EMA component stays
	// freshly initialized.
	emaState := newFakeState("decay", 0.5)
	model := newFakeState()
	nonStrict := Build(NewBundle().Add("model", model).Add("ema", emaState),
		distributed.NewSingle()).Dir(dir).MustDone()
	_, err = nonStrict.Load(latest, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"w": 1.0}, model.Values)
	assert.Equal(t, map[string]float64{"decay": 0.5}, emaState.Values)

	// The complementary mismatch: a record with EMA strict-loaded by a
	// run without it fails on the component count.
	dir2 := t.TempDir()
	saver := Build(NewBundle().Add("model", newFakeState("w", 1.0)).Add("ema", newFakeState("s", 2.0)),
		distributed.NewSingle()).Dir(dir2).MustDone()
	require.NoError(t, saver.Save(1))
	list, err = saver.ListCheckpoints()
	require.NoError(t, err)
	loader := Build(NewBundle().Add("model", newFakeState()),
		distributed.NewSingle()).Dir(dir2).MustDone()
	_, err = loader.Load(list[0], true)
	require.ErrorAs(t, err, &corrupt)
}

func TestCorruptIndexIsFatal(t *testing.T) {
	dir := t.TempDir()
	handler := Build(NewBundle().Add("model", newFakeState()),
		distributed.NewSingle()).Dir(dir).MustDone()

	baseName := "checkpoint-n0000001-20260101-000000-step-00000005"
	require.NoError(t, os.WriteFile(filepath.Join(dir, baseName+indexSuffix), []byte("not json"), 0o644))

	_, err := handler.Load(baseName, true)
	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)

	// Auto-resume must never silently degrade a corrupt record to a
	// fresh start.
	_, err = handler.Resume(10, true, false)
	require.ErrorAs(t, err, &corrupt)
}

func TestResume(t *testing.T) {
	dir := t.TempDir()
	model := newFakeState("w", 3.0)
	handler := Build(NewBundle().Add("model", model),
		distributed.NewSingle()).Dir(dir).Keep(3).MustDone()

	// Fresh start: nothing saved yet.
	point, err := handler.Resume(10, true, false)
	require.NoError(t, err)
	assert.False(t, point.Resumed)
	assert.Equal(t, int64(0), point.GlobalStep)
	assert.Equal(t, 0, point.FirstEpoch)

	// Resume required but nothing to resume from.
	_, err = handler.Resume(10, true, true)
	require.ErrorIs(t, err, ErrNoCheckpoint)

	// Epoch is derived from the step counter, not persisted.
	require.NoError(t, handler.Save(3))
	require.NoError(t, handler.Save(25))
	point, err = handler.Resume(10, true, false)
	require.NoError(t, err)
	assert.True(t, point.Resumed)
	assert.Equal(t, int64(25), point.GlobalStep)
	assert.Equal(t, 2, point.FirstEpoch, "first_epoch = 25 // 10")
}

func TestSaveWritesOncePerGroup(t *testing.T) {
	dir := t.TempDir()
	group := distributed.NewGroup(2)

	// Every process calls Save; only the primary may touch the
	// filesystem, and nobody returns before the record is durable.
	var wg sync.WaitGroup
	errs := make([]error, len(group))
	for rank, dist := range group {
		handler := Build(NewBundle().Add("model", newFakeState("w", float64(rank))),
			dist).Dir(dir).Keep(3).MustDone()
		wg.Add(1)
		go func(rank int, h *Handler) {
			defer wg.Done()
			errs[rank] = h.Save(5)
		}(rank, handler)
	}
	wg.Wait()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "one checkpoint = one index + one data file")
}

func TestSaveFailurePropagatesToPeers(t *testing.T) {
	group := distributed.NewGroup(2)
	dir := t.TempDir()

	handlers := make([]*Handler, 2)
	for rank, dist := range group {
		handlers[rank] = Build(NewBundle().Add("model", newFakeState("w", 1.0)),
			dist).Dir(dir).MustDone()
	}
	// Break the directory after the handlers were built: the primary's
	// write fails and the peer must observe the same failure instead of
	// waiting forever.
	require.NoError(t, os.RemoveAll(dir))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for rank := range handlers {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = handlers[rank].Save(1)
		}(rank)
	}
	wg.Wait()
	require.Error(t, errs[0])
	require.Error(t, errs[1])
}

func TestBundleDuplicateNamePanics(t *testing.T) {
	assert.Panics(t, func() {
		NewBundle().Add("model", newFakeState()).Add("model", newFakeState())
	})
}

func TestGlobalStepOf(t *testing.T) {
	step, ok := GlobalStepOf("checkpoint-n0000002-20260101-120000-step-00000042")
	require.True(t, ok)
	assert.Equal(t, int64(42), step)
	_, ok = GlobalStepOf("not-a-checkpoint")
	assert.False(t, ok)
}

func TestDoneValidation(t *testing.T) {
	_, err := Build(NewBundle().Add("model", newFakeState()), distributed.NewSingle()).Done()
	require.Error(t, err, "missing directory")
	_, err = Build(NewBundle(), distributed.NewSingle()).Dir(t.TempDir()).Done()
	require.Error(t, err, "empty bundle")
}
