// Package config defines the typed run configuration for the AR trainer.
//
// The configuration is loaded once at startup from a YAML file, validated
// eagerly, and treated as read-only for the rest of the run. The primary
// process persists a snapshot of it as `config.yaml` in the output directory,
// so a run directory is always self-describing.
package config

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// WorkspaceEnv is the environment variable naming the workspace root. It is
// used to locate the shared model-download cache (see HubDir).
const WorkspaceEnv = "WORKSPACE"

// Config is the full run configuration tree.
type Config struct {
	Experiment ExperimentConfig `yaml:"experiment"`
	Training   TrainingConfig   `yaml:"training"`
	Dataset    DatasetConfig    `yaml:"dataset"`
}

// ExperimentConfig names the run and its output locations.
type ExperimentConfig struct {
	Name       string `yaml:"name"`
	OutputDir  string `yaml:"output_dir"`
	LoggingDir string `yaml:"logging_dir"`

	// MaxTrainExamples is the nominal dataset size used for the
	// steps-per-epoch bookkeeping.
	MaxTrainExamples int `yaml:"max_train_examples"`
}

// TrainingConfig holds the optimization hyperparameters the orchestrator
// needs. Model/loss hyperparameters live with their own collaborators.
type TrainingConfig struct {
	MaxTrainSteps              int     `yaml:"max_train_steps"`
	GradientAccumulationSteps  int     `yaml:"gradient_accumulation_steps"`
	PerGPUBatchSize            int     `yaml:"per_gpu_batch_size"`
	MixedPrecision             string  `yaml:"mixed_precision"`
	EnableTF32                 bool    `yaml:"enable_tf32"`
	EnableWandb                bool    `yaml:"enable_wandb"`
	Seed                       int64   `yaml:"seed"`
	UseEMA                     bool    `yaml:"use_ema"`
	EMADecay                   float64 `yaml:"ema_decay"`
	LearningRate               float64 `yaml:"learning_rate"`
	LRWarmupSteps              int     `yaml:"lr_warmup_steps"`
	CheckpointEverySteps       int     `yaml:"checkpoint_every_steps"`
	CheckpointsToKeep          int     `yaml:"checkpoints_to_keep"`
}

// DatasetConfig carries the dataset collaborator parameters the orchestrator
// inspects.
type DatasetConfig struct {
	Params DatasetParams `yaml:"params"`
}

// DatasetParams are free-form dataset options; only Pretokenization is
// interpreted by the orchestrator (it decides whether the dataloader is
// included in the distributed prepare step).
type DatasetParams struct {
	Pretokenization string `yaml:"pretokenization"`
	TrainShardsPath string `yaml:"train_shards_path"`
	NumLatentTokens int    `yaml:"num_latent_tokens"`
	VocabSize       int    `yaml:"vocab_size"`
}

// Error reports a malformed or missing configuration field. It is always
// raised at load time, before the run has any side effects.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return "config: field " + e.Field + ": " + e.Reason
}

// Load reads, decodes and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %q", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode config file %q", path)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Training.GradientAccumulationSteps == 0 {
		c.Training.GradientAccumulationSteps = 1
	}
	if c.Training.CheckpointsToKeep == 0 {
		c.Training.CheckpointsToKeep = 3
	}
	if c.Training.EMADecay == 0 {
		c.Training.EMADecay = 0.999
	}
	if c.Experiment.LoggingDir == "" && c.Experiment.OutputDir != "" {
		c.Experiment.LoggingDir = filepath.Join(c.Experiment.OutputDir, "logs")
	}
}

// Validate checks every recognized option eagerly. It returns a *Error for
// the first invalid field found.
func (c *Config) Validate() error {
	switch {
	case c.Experiment.Name == "":
		return &Error{Field: "experiment.name", Reason: "must not be empty"}
	case c.Experiment.OutputDir == "":
		return &Error{Field: "experiment.output_dir", Reason: "must not be empty"}
	case c.Experiment.MaxTrainExamples <= 0:
		return &Error{Field: "experiment.max_train_examples", Reason: "must be > 0"}
	case c.Training.MaxTrainSteps <= 0:
		return &Error{Field: "training.max_train_steps", Reason: "must be > 0"}
	case c.Training.GradientAccumulationSteps < 1:
		return &Error{Field: "training.gradient_accumulation_steps", Reason: "must be >= 1"}
	case c.Training.PerGPUBatchSize <= 0:
		return &Error{Field: "training.per_gpu_batch_size", Reason: "must be > 0"}
	case c.Training.UseEMA && (c.Training.EMADecay <= 0 || c.Training.EMADecay >= 1):
		return &Error{Field: "training.ema_decay", Reason: "must be in (0, 1) when use_ema is set"}
	case c.Training.CheckpointEverySteps < 0:
		return &Error{Field: "training.checkpoint_every_steps", Reason: "must be >= 0"}
	}
	switch c.Training.MixedPrecision {
	case "", "no", "fp16", "bf16":
	default:
		return &Error{Field: "training.mixed_precision", Reason: "must be one of no, fp16, bf16"}
	}
	return nil
}

// Save writes the configuration snapshot to path. Only the primary process
// should call it.
func Save(c *Config, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode config snapshot")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write config snapshot %q", path)
	}
	return nil
}

// YAML returns the configuration rendered as YAML, used for the startup log.
func (c *Config) YAML() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}

// Workspace returns the workspace root from the environment, or "" if unset.
func Workspace() string {
	return os.Getenv(WorkspaceEnv)
}

// HubDir returns the shared model-download cache directory under the
// workspace root.
func HubDir() string {
	return filepath.Join(Workspace(), "models", "hub")
}
