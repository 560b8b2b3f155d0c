package config

import (
	"fmt"
	"strings"
)

// Config carries every knob of a fine-tuning run. It is populated once
// from CLI flags at startup and validated eagerly before anything is
// loaded or connected.
type Config struct {
	ModelName   string
	DatasetPath string
	VocabPath   string
	OutputDir   string
	RunName     string

	SeqLength int
	Infinite  bool

	BatchSize      int
	GradAccumSteps int
	MaxSteps       int
	LoggingSteps   int
	SaveSteps      int
	SaveTotalLimit int
	ResumeFromStep int

	LearningRate    float64
	WarmupSteps     int
	WeightDecay     float64
	LRSchedulerType string
	OptimizerType   string

	LoraR       int
	LoraAlpha   float64
	LoraDropout float64

	BackendAddr string
	MetricsAddr string

	LogLevel  string
	LogFormat string
}

func (c *Config) Validate() error {
	if c.SeqLength <= 0 {
		return fmt.Errorf("invalid seq_length: %d (must be positive)", c.SeqLength)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.GradAccumSteps <= 0 {
		return fmt.Errorf("invalid grad_accum_steps: %d (must be positive)", c.GradAccumSteps)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("invalid max_steps: %d (must be positive)", c.MaxSteps)
	}
	if c.LoggingSteps <= 0 {
		return fmt.Errorf("invalid logging_steps: %d (must be positive)", c.LoggingSteps)
	}
	if c.SaveSteps <= 0 {
		return fmt.Errorf("invalid save_steps: %d (must be positive)", c.SaveSteps)
	}
	if c.SaveTotalLimit < 0 {
		return fmt.Errorf("invalid save_total_limit: %d (must be non-negative)", c.SaveTotalLimit)
	}
	if c.ResumeFromStep < 0 {
		return fmt.Errorf("invalid resume_from_step: %d (must be non-negative)", c.ResumeFromStep)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("invalid learning_rate: %g (must be positive)", c.LearningRate)
	}
	if c.WarmupSteps < 0 {
		return fmt.Errorf("invalid warmup_steps: %d (must be non-negative)", c.WarmupSteps)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("invalid weight_decay: %g (must be non-negative)", c.WeightDecay)
	}
	if c.LoraR <= 0 {
		return fmt.Errorf("invalid lora_r: %d (must be positive)", c.LoraR)
	}
	if c.LoraAlpha <= 0 {
		return fmt.Errorf("invalid lora_alpha: %g (must be positive)", c.LoraAlpha)
	}
	if c.LoraDropout < 0 || c.LoraDropout >= 1 {
		return fmt.Errorf("invalid lora_dropout: %g (must be in [0, 1))", c.LoraDropout)
	}
	if c.DatasetPath == "" {
		return fmt.Errorf("dataset path is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output dir is required")
	}
	return nil
}

// EffectiveBatchTokens is the token count consumed per optimizer step.
func (c *Config) EffectiveBatchTokens() int {
	return c.SeqLength * c.BatchSize * c.GradAccumSteps
}

// IsArrowDataset reports whether the dataset path looks like an Arrow
// IPC file rather than a JSON collection.
func (c *Config) IsArrowDataset() bool {
	lower := strings.ToLower(c.DatasetPath)
	return strings.HasSuffix(lower, ".arrow") || strings.HasSuffix(lower, ".feather") || strings.HasSuffix(lower, ".ipc")
}

func Default() Config {
	return Config{
		ModelName: "NousResearch/Llama-2-7b-chat-hf",
		OutputDir: "./results",
		RunName:   "qlora-fletcher",

		SeqLength: 1024,
		Infinite:  true,

		BatchSize:      4,
		GradAccumSteps: 4,
		MaxSteps:       10000,
		LoggingSteps:   10,
		SaveSteps:      10,
		SaveTotalLimit: 3,

		LearningRate:    1e-4,
		WarmupSteps:     1000,
		WeightDecay:     0.05,
		LRSchedulerType: "cosine",
		OptimizerType:   "paged_adamw_32bit",

		LoraR:       8,
		LoraAlpha:   16,
		LoraDropout: 0.05,

		BackendAddr: "localhost:3000",
		MetricsAddr: ":9090",

		LogLevel:  "info",
		LogFormat: "console",
	}
}
