// train_ar trains the autoregressive latent-token generator.
//
// One process per participating worker runs the same program; this binary
// can also spawn a local data-parallel group in-process (-num_processes) for
// machines without a multi-process launcher. Interrupted runs resume
// automatically from the most recent checkpoint in the output directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/ali-vilab/alitok/checkpoints"
	"github.com/ali-vilab/alitok/commandline"
	"github.com/ali-vilab/alitok/config"
	"github.com/ali-vilab/alitok/distributed"
	"github.com/ali-vilab/alitok/ema"
	"github.com/ali-vilab/alitok/latentar"
	"github.com/ali-vilab/alitok/mplog"
	"github.com/ali-vilab/alitok/tracker"
	"github.com/ali-vilab/alitok/train"
)

var (
	flagConfig       = flag.String("config", "", "Path to the run configuration YAML file.")
	flagNumProcesses = flag.Int("num_processes", 1, "Number of local data-parallel workers to spawn.")
	flagResume       = flag.Bool("require_resume", false, "Fail instead of starting fresh when no checkpoint exists.")
	flagLogLevel     = flag.String("log_level", "INFO", "Log level: DEBUG, INFO, WARNING or ERROR.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagConfig == "" {
		fmt.Fprintln(os.Stderr, "usage: train_ar -config <config.yaml> [-num_processes N]")
		os.Exit(2)
	}

	cfg := must.M1(config.Load(*flagConfig))
	must.M(os.MkdirAll(cfg.Experiment.OutputDir, 0o770))
	must.M(os.MkdirAll(cfg.Experiment.LoggingDir, 0o770))

	group := distributed.NewGroup(*flagNumProcesses)
	errs := make(chan error, len(group))
	for _, dist := range group {
		go func(dist distributed.Context) {
			errs <- runWorker(cfg, dist)
		}(dist)
	}
	var failure error
	for range group {
		if err := <-errs; err != nil && failure == nil {
			failure = err
		}
	}
	if failure != nil {
		klog.Exitf("training failed: %+v", failure)
	}
}

// runWorker executes the full training program for one worker of the group.
// Every worker runs the same code; run-wide side effects (config snapshot,
// tracker, checkpoint writes, final export) happen on the primary only.
func runWorker(cfg *config.Config, dist distributed.Context) (err error) {
	rank := dist.ProcessIndex()
	outputDir := cfg.Experiment.OutputDir

	registry := mplog.NewRegistry(rank, dist.IsMainProcess())
	defer registry.Close()
	level, err := mplog.ParseLevel(*flagLogLevel)
	if err != nil {
		return err
	}
	logger, err := registry.Get(mplog.Options{
		Name:         "ARModel",
		Level:        level,
		Color:        true,
		MultiProcess: dist.NumProcesses() > 1,
		OutputFile:   filepath.Join(outputDir, fmt.Sprintf("log%d.txt", rank)),
	})
	if err != nil {
		return err
	}
	// A worker failing before a rendezvous must not strand its peers.
	defer func() {
		if err != nil {
			logger.Errorf("worker %d aborting: %v", rank, err)
			dist.Abort(err)
		}
	}()

	seed := cfg.Training.Seed
	trackerKind := tracker.KindTensorboard
	if cfg.Training.EnableWandb {
		trackerKind = tracker.KindWandb
	}
	var trk tracker.Tracker = tracker.Nop{}
	runID := ""
	if dist.IsMainProcess() {
		configPath := filepath.Join(outputDir, "config.yaml")
		logger.Infof("Saving config to %s", configPath)
		if err := config.Save(cfg, configPath); err != nil {
			return err
		}
		logger.Infof("Config:\n%s", cfg.YAML())
		ft := tracker.New(trackerKind, cfg.Experiment.LoggingDir)
		if err := ft.Init(cfg.Experiment.Name); err != nil {
			return err
		}
		trk = ft
		runID = ft.RunID()
		if cfg.Training.EnableTF32 {
			logger.Infof("TF32 matmul requested (no-op on the reference backend).")
		}
		if cfg.Training.MixedPrecision != "" && cfg.Training.MixedPrecision != "no" {
			logger.Infof("Mixed precision %q requested (no-op on the reference backend).", cfg.Training.MixedPrecision)
		}
	}
	if err := dist.WaitForEveryone(); err != nil {
		return err
	}

	// The frozen tokenizer. Its weights live in the shared download cache
	// under the workspace root.
	vocab := cfg.Dataset.Params.VocabSize
	if vocab == 0 {
		vocab = 1024
	}
	tokenizerPath := filepath.Join(config.HubDir(), "alitok_tokenizer.bin")
	tok, tokErr := latentar.LoadTokenizer(tokenizerPath, true)
	if tokErr != nil {
		logger.Warningf("tokenizer weights not usable (%v); using a deterministic bootstrap codebook", tokErr)
		tok = latentar.NewTokenizer(vocab, 16, seed)
	}
	if cfg.Dataset.Params.Pretokenization == "" {
		// On-the-fly encoding path: verify the codebook answers before
		// training starts.
		probe := make([]float32, tok.Dim())
		if _, err := tok.Encode(probe); err != nil {
			return err
		}
	}

	model := latentar.NewModel(vocab, seed)
	opt := latentar.NewSGD(0.9)
	plan, err := train.NewPlan(cfg, dist.NumProcesses())
	if err != nil {
		return err
	}
	sched := latentar.NewCosineSchedule(cfg.Training.LearningRate,
		int64(cfg.Training.LRWarmupSteps), plan.MaxTrainSteps)
	trainer := latentar.NewTrainer(model, opt, sched, dist)

	var emaWeights *ema.Weights
	bundle := checkpoints.NewBundle().
		Add("model", model).
		Add("optimizer", opt).
		Add("scheduler", sched)
	if cfg.Training.UseEMA {
		emaWeights = ema.New(model.Parameters(), cfg.Training.EMADecay)
		bundle.Add("ema", emaWeights)
	}
	handler, err := checkpoints.Build(bundle, dist).
		Dir(filepath.Join(outputDir, "checkpoints")).
		Keep(cfg.Training.CheckpointsToKeep).
		RunID(runID).
		Seed(seed).
		Done()
	if err != nil {
		return err
	}

	// Each worker's shard: every yield is one micro-batch, and every
	// worker performs the same number of yields per epoch.
	ds, err := latentar.NewDataset(vocab, cfg.Training.PerGPUBatchSize,
		plan.BatchesPerEpoch, seed+int64(rank), rank)
	if err != nil {
		return err
	}

	logger.Infof("***** Running training *****")
	logger.Infof("  Num training steps = %d", plan.MaxTrainSteps)
	logger.Infof("  Gradient Accumulation steps = %d", plan.GradientAccumulationSteps)
	logger.Infof("  Instantaneous batch size per gpu = %d", plan.PerGPUBatchSize)
	logger.Infof("  Total train batch size (w. parallel, distributed & accumulation) = %d",
		plan.PerGPUBatchSize*plan.NumProcesses*plan.GradientAccumulationSteps)

	point, err := handler.Resume(plan.UpdatesPerEpoch, true, *flagResume)
	if err != nil {
		return err
	}
	if point.Resumed {
		logger.Infof("Resuming from global step %d (epoch %d)", point.GlobalStep, point.FirstEpoch)
	}

	loop := train.NewLoop(plan, trainer, dist, logger)
	loop.GlobalStep = point.GlobalStep
	loop.Epoch = point.FirstEpoch
	if emaWeights != nil {
		loop.WithEMA(emaWeights, model)
	}
	commandline.AttachProgressBar(loop)
	if n := cfg.Training.CheckpointEverySteps; n > 0 {
		// Large priority so checkpointing runs after the other hooks.
		train.EveryNSteps(loop, n, "checkpointing", 100, func(loop *train.Loop, _ float64) error {
			return handler.Save(loop.GlobalStep)
		})
	}
	train.NTimesDuringLoop(loop, 1000, "tracker", 0, func(loop *train.Loop, loss float64) error {
		return trk.LogStep(loop.GlobalStep, map[string]float64{
			"loss": loss,
			"lr":   sched.LearningRate(loop.GlobalStep - 1),
		})
	})

	if err := loop.Run(ds); err != nil {
		return err
	}

	// Checkpoint at the end of training, then the final exported weights
	// (EMA-merged when configured) from the primary only.
	if err := handler.Save(loop.GlobalStep); err != nil {
		return err
	}
	if dist.IsMainProcess() {
		if emaWeights != nil {
			emaWeights.CopyTo(model.Parameters())
		}
		finalPath := filepath.Join(outputDir, "model_final.bin")
		if err := model.SaveWeights(finalPath); err != nil {
			return err
		}
		logger.Infof("Saved final model weights to %s", finalPath)
		if err := trk.End(); err != nil {
			return err
		}
	}
	return nil
}
