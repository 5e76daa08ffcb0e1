package mplog

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetIdempotence(t *testing.T) {
	registry := NewRegistry(0, true)
	opts := Options{
		Name:       "ARModel",
		Level:      LevelInfo,
		OutputFile: filepath.Join(t.TempDir(), "log0.txt"),
	}
	first, err := registry.Get(opts)
	require.NoError(t, err)
	second, err := registry.Get(opts)
	require.NoError(t, err)

	// Identical options must return the same configured instance: one
	// console sink, one file sink, never re-attached.
	assert.Same(t, first, second)
	require.NotNil(t, first.File())
	assert.Same(t, first.File(), second.File())

	// Different options are a different logger.
	opts.Name = "Other"
	third, err := registry.Get(opts)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestNoDuplicateLines(t *testing.T) {
	registry := NewRegistry(0, true)
	var console bytes.Buffer
	registry.SetConsole(&console)
	path := filepath.Join(t.TempDir(), "log0.txt")
	opts := Options{Name: "ARModel", Level: LevelInfo, OutputFile: path}

	// Request the logger twice, as main() and a library both would.
	logger := registry.MustGet(opts)
	_ = registry.MustGet(opts)
	logger.Infof("only once")
	require.NoError(t, registry.Close())

	assert.Equal(t, 1, strings.Count(console.String(), "only once"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "only once"))
}

func TestLevelFiltering(t *testing.T) {
	registry := NewRegistry(0, true)
	var console bytes.Buffer
	registry.SetConsole(&console)
	logger := registry.MustGet(Options{Name: "ARModel", Level: LevelWarning})

	logger.Debugf("dropped debug")
	logger.Infof("dropped info")
	logger.Warningf("kept warning")
	logger.Errorf("kept error")

	out := console.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept warning")
	assert.Contains(t, out, "kept error")
	assert.Contains(t, out, "WARNING")
	assert.Contains(t, out, "ERROR")
}

func TestMultiProcessConsoleSuppression(t *testing.T) {
	dir := t.TempDir()

	// Non-primary process: console suppressed, rank file still written.
	registry := NewRegistry(1, false)
	var console bytes.Buffer
	registry.SetConsole(&console)
	path := filepath.Join(dir, "log1.txt")
	logger := registry.MustGet(Options{
		Name:         "ARModel",
		Level:        LevelInfo,
		MultiProcess: true,
		OutputFile:   path,
	})
	logger.Infof("from rank %d", logger.Rank())
	require.NoError(t, registry.Close())

	assert.Empty(t, console.String())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "from rank 1")
}

func TestCloseConcurrentWithLogging(t *testing.T) {
	registry := NewRegistry(0, true)
	var console bytes.Buffer
	registry.SetConsole(&console)
	path := filepath.Join(t.TempDir(), "log0.txt")
	logger := registry.MustGet(Options{Name: "ARModel", Level: LevelInfo, OutputFile: path})

	// A worker still emitting records while the registry shuts down must
	// never race the file close; late records just lose the file sink.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			logger.Infof("record %d", i)
		}
	}()
	require.NoError(t, registry.Close())
	<-done

	assert.Nil(t, logger.File())
	require.NoError(t, registry.Close(), "closing twice is harmless")
}

func TestMessageContentUnaltered(t *testing.T) {
	registry := NewRegistry(0, true)
	var console bytes.Buffer
	registry.SetConsole(&console)
	logger := registry.MustGet(Options{Name: "ARModel", Level: LevelDebug})

	logger.Warningf("loss=%.3f at step %d", 1.5, 7)
	assert.Contains(t, console.String(), "loss=1.500 at step 7")
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]Level{
		"DEBUG": LevelDebug, "INFO": LevelInfo, "": LevelInfo,
		"WARNING": LevelWarning, "WARN": LevelWarning, "ERROR": LevelError,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseLevel("LOUD")
	assert.Error(t, err)
}
