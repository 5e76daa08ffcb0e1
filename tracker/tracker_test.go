package tracker

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTracker(t *testing.T) {
	dir := t.TempDir()
	trk := New(KindTensorboard, dir)
	require.NoError(t, trk.Init("alitok-ar"))
	require.NoError(t, trk.LogStep(1, map[string]float64{"loss": 2.5, "lr": 0.1}))
	require.NoError(t, trk.LogStep(2, map[string]float64{"loss": 2.1, "lr": 0.1}))
	require.NoError(t, trk.End())

	path := filepath.Join(dir, KindTensorboard, "run-"+trk.RunID()+".jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		records = append(records, record)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, records, 3, "one header plus two step records")

	assert.Equal(t, "alitok-ar", records[0]["run_name"])
	assert.Equal(t, trk.RunID(), records[0]["run_id"])
	assert.Equal(t, float64(1), records[1]["step"])
	metrics, ok := records[2]["metrics"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2.1, metrics["loss"])
}

func TestLogStepBeforeInit(t *testing.T) {
	trk := New(KindWandb, t.TempDir())
	require.Error(t, trk.LogStep(1, nil))
}

func TestEndWithoutInit(t *testing.T) {
	trk := New(KindWandb, t.TempDir())
	require.NoError(t, trk.End())

	var nop Nop
	require.NoError(t, nop.Init("x"))
	require.NoError(t, nop.LogStep(1, nil))
	require.NoError(t, nop.End())
}
