package app

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-fletcher/internal/checkpoint"
	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/dataset"
	"github.com/23skdu/longbow-fletcher/internal/flight"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/packing"
	"github.com/23skdu/longbow-fletcher/internal/tokenizer"
	"github.com/23skdu/longbow-fletcher/internal/trainer"
)

// backend is the full surface the train command needs from either the
// Flight client or the mock.
type backend interface {
	trainer.Backend
	checkpoint.AdapterSaver
	Connect(ctx context.Context) error
	Close() error
	LoadAdapter(ctx context.Context, path string) error
	TrainableParameters(ctx context.Context) (string, error)
}

// NewTrainCommand creates the train command.
//
// Usage:
//
//	fletcher train --data data.json --vocab vocab.json --output-dir ./results
func NewTrainCommand() *cobra.Command {
	cfg := config.Default()
	var (
		resumeLatest bool
		dryRun       bool
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run a fine-tuning loop against the training backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Setup(cfg.LogLevel, cfg.LogFormat)
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.VocabPath == "" {
				return fmt.Errorf("vocab path is required")
			}
			return runTrain(cmd.Context(), cfg, resumeLatest, dryRun)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.ModelName, "model", cfg.ModelName, "Base model name (passed through to the backend)")
	flags.StringVar(&cfg.DatasetPath, "data", cfg.DatasetPath, "Path to the dataset (JSON array or Arrow IPC file)")
	flags.StringVar(&cfg.VocabPath, "vocab", cfg.VocabPath, "Path to the tokenizer vocab file")
	flags.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Checkpoint output directory")
	flags.StringVar(&cfg.RunName, "run-name", cfg.RunName, "Run name for logs")
	flags.IntVar(&cfg.SeqLength, "seq-length", cfg.SeqLength, "Packed block length in tokens")
	flags.BoolVar(&cfg.Infinite, "infinite", cfg.Infinite, "Re-iterate the dataset forever (finite single pass when false)")
	flags.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Blocks per optimizer step")
	flags.IntVar(&cfg.GradAccumSteps, "grad-accum-steps", cfg.GradAccumSteps, "Gradient accumulation steps (backend hint)")
	flags.IntVar(&cfg.MaxSteps, "max-steps", cfg.MaxSteps, "Total optimizer steps")
	flags.IntVar(&cfg.LoggingSteps, "logging-steps", cfg.LoggingSteps, "Log every N steps")
	flags.IntVar(&cfg.SaveSteps, "save-steps", cfg.SaveSteps, "Checkpoint every N steps")
	flags.IntVar(&cfg.SaveTotalLimit, "save-total-limit", cfg.SaveTotalLimit, "Checkpoints to retain (0 keeps all)")
	flags.IntVar(&cfg.ResumeFromStep, "resume-from-step", cfg.ResumeFromStep, "Continue step numbering from this step")
	flags.BoolVar(&resumeLatest, "resume", false, "Resume from the latest checkpoint in the output dir")
	flags.Float64Var(&cfg.LearningRate, "learning-rate", cfg.LearningRate, "Learning rate (backend hint)")
	flags.IntVar(&cfg.WarmupSteps, "warmup-steps", cfg.WarmupSteps, "LR warmup steps (backend hint)")
	flags.Float64Var(&cfg.WeightDecay, "weight-decay", cfg.WeightDecay, "Weight decay (backend hint)")
	flags.StringVar(&cfg.LRSchedulerType, "lr-scheduler", cfg.LRSchedulerType, "LR scheduler type (backend hint)")
	flags.StringVar(&cfg.OptimizerType, "optimizer", cfg.OptimizerType, "Optimizer type (backend hint)")
	flags.IntVar(&cfg.LoraR, "lora-r", cfg.LoraR, "LoRA rank (backend hint)")
	flags.Float64Var(&cfg.LoraAlpha, "lora-alpha", cfg.LoraAlpha, "LoRA alpha (backend hint)")
	flags.Float64Var(&cfg.LoraDropout, "lora-dropout", cfg.LoraDropout, "LoRA dropout (backend hint)")
	flags.StringVar(&cfg.BackendAddr, "backend", cfg.BackendAddr, "Training backend Flight address")
	flags.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Address to serve Prometheus metrics")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (console, json)")
	flags.BoolVar(&dryRun, "dry-run", false, "Use the in-process mock backend instead of connecting")

	return cmd
}

func loadSource(cfg config.Config) (*dataset.Source, error) {
	if cfg.IsArrowDataset() {
		return dataset.LoadArrow(cfg.DatasetPath)
	}
	return dataset.Load(cfg.DatasetPath)
}

func runTrain(ctx context.Context, cfg config.Config, resumeLatest, dryRun bool) error {
	log := logger.Log
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := loadSource(cfg)
	if err != nil {
		return err
	}
	log.Info("dataset loaded", "path", cfg.DatasetPath, "samples", src.Len())

	vocab, err := tokenizer.LoadVocab(cfg.VocabPath)
	if err != nil {
		return err
	}
	log.Info("vocab loaded", "path", cfg.VocabPath, "size", vocab.Size(), "eot_id", vocab.EOTID())

	stream, err := packing.New(src, vocab, packing.Options{
		SeqLength: cfg.SeqLength,
		Infinite:  cfg.Infinite,
	})
	if err != nil {
		return err
	}

	var be backend
	if dryRun {
		be = flight.NewMockBackend()
	} else {
		client, err := flight.NewClient(cfg.BackendAddr, cfg.SeqLength)
		if err != nil {
			return err
		}
		be = client
	}
	if err := be.Connect(ctx); err != nil {
		return err
	}
	defer be.Close()

	if params, err := be.TrainableParameters(ctx); err == nil {
		log.Info("backend ready", "addr", cfg.BackendAddr, "trainable", params)
	} else {
		log.Warn("trainable parameter readout unavailable", "error", err)
	}

	if resumeLatest {
		step, ok, err := checkpoint.LatestStep(cfg.OutputDir)
		if err != nil {
			return err
		}
		if ok {
			path := checkpoint.Path(cfg.OutputDir, step)
			if err := be.LoadAdapter(ctx, path); err != nil {
				return err
			}
			cfg.ResumeFromStep = step
			log.Info("resumed from checkpoint", "path", path)
		} else {
			log.Warn("no checkpoint to resume from", "output_dir", cfg.OutputDir)
		}
	}

	// Metrics sidecar on a background goroutine
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Info("metrics serving", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, nil); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	ckpt, err := checkpoint.NewManager(cfg.OutputDir, be)
	if err != nil {
		return err
	}
	loop, err := trainer.New(stream, be, ckpt, cfg)
	if err != nil {
		return err
	}

	log.Info("training",
		"run", cfg.RunName,
		"model", cfg.ModelName,
		"seq_length", cfg.SeqLength,
		"batch_size", cfg.BatchSize,
		"max_steps", cfg.MaxSteps,
		"tokens_per_step", cfg.EffectiveBatchTokens(),
	)

	steps, err := loop.Run(ctx)
	if err != nil {
		return fmt.Errorf("training stopped at step %d: %w", steps, err)
	}
	return nil
}
