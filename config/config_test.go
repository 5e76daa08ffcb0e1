package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
experiment:
  name: ar_gen_test
  output_dir: /tmp/ar_gen_test
  max_train_examples: 1000
training:
  max_train_steps: 3
  gradient_accumulation_steps: 5
  per_gpu_batch_size: 10
  mixed_precision: bf16
  enable_tf32: true
  enable_wandb: false
  seed: 42
  use_ema: true
  learning_rate: 0.01
dataset:
  params:
    pretokenization: tokens
    vocab_size: 64
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, "ar_gen_test", cfg.Experiment.Name)
	assert.Equal(t, 1000, cfg.Experiment.MaxTrainExamples)
	assert.Equal(t, 3, cfg.Training.MaxTrainSteps)
	assert.Equal(t, 5, cfg.Training.GradientAccumulationSteps)
	assert.Equal(t, "bf16", cfg.Training.MixedPrecision)
	assert.True(t, cfg.Training.UseEMA)
	assert.Equal(t, "tokens", cfg.Dataset.Params.Pretokenization)

	// Defaults applied at load time.
	assert.Equal(t, filepath.Join("/tmp/ar_gen_test", "logs"), cfg.Experiment.LoggingDir)
	assert.Equal(t, 3, cfg.Training.CheckpointsToKeep)
	assert.InDelta(t, 0.999, cfg.Training.EMADecay, 1e-9)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  string
		wantErr string
	}{
		{"missing name", "experiment:\n  output_dir: /tmp/x\n  max_train_examples: 10\ntraining:\n  max_train_steps: 1\n  per_gpu_batch_size: 1\n", "experiment.name"},
		{"zero steps", "experiment:\n  name: x\n  output_dir: /tmp/x\n  max_train_examples: 10\ntraining:\n  max_train_steps: 0\n  per_gpu_batch_size: 1\n", "training.max_train_steps"},
		{"zero batch", "experiment:\n  name: x\n  output_dir: /tmp/x\n  max_train_examples: 10\ntraining:\n  max_train_steps: 1\n  per_gpu_batch_size: 0\n", "training.per_gpu_batch_size"},
		{"bad precision", "experiment:\n  name: x\n  output_dir: /tmp/x\n  max_train_examples: 10\ntraining:\n  max_train_steps: 1\n  per_gpu_batch_size: 1\n  mixed_precision: fp8\n", "training.mixed_precision"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, test.mutate))
			require.Error(t, err)
			var cfgErr *Error
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, test.wantErr, cfgErr.Field)
		})
	}
}

func TestSaveSnapshotRoundtrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	snapshot := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(cfg, snapshot))

	reloaded, err := Load(snapshot)
	require.NoError(t, err)
	assert.Equal(t, cfg, reloaded)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
