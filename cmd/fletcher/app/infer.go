package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-fletcher/internal/checkpoint"
	"github.com/23skdu/longbow-fletcher/internal/flight"
	"github.com/23skdu/longbow-fletcher/internal/logger"
)

// NewInferCommand creates the infer command: reload a saved adapter
// onto the frozen base model and generate a completion.
//
// Usage:
//
//	fletcher infer --output-dir ./results --step 2840 --prompt "Question: ..."
func NewInferCommand() *cobra.Command {
	var (
		backendAddr string
		outputDir   string
		step        int
		adapterPath string
		prompt      string
		maxTokens   int
		logLevel    string
		logFormat   string
	)

	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Reload an adapter checkpoint and generate from it",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Setup(logLevel, logFormat)
			return runInfer(cmd.Context(), backendAddr, outputDir, step, adapterPath, prompt, maxTokens)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&backendAddr, "backend", "localhost:3000", "Training backend Flight address")
	flags.StringVar(&outputDir, "output-dir", "./results", "Checkpoint output directory")
	flags.IntVar(&step, "step", -1, "Checkpoint step to load (-1 picks the latest)")
	flags.StringVar(&adapterPath, "adapter", "", "Explicit adapter directory (overrides --output-dir/--step)")
	flags.StringVar(&prompt, "prompt", "Question: What is a quarrel?\n\nAnswer:", "Prompt to generate from")
	flags.IntVar(&maxTokens, "n", 128, "Number of tokens to generate")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "console", "Log format (console, json)")

	return cmd
}

func resolveAdapterPath(outputDir string, step int, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if step >= 0 {
		return checkpoint.Path(outputDir, step), nil
	}
	latest, ok, err := checkpoint.LatestStep(outputDir)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("no checkpoints found in %s", outputDir)
	}
	return checkpoint.Path(outputDir, latest), nil
}

func runInfer(ctx context.Context, backendAddr, outputDir string, step int, adapterPath, prompt string, maxTokens int) error {
	log := logger.Log

	path, err := resolveAdapterPath(outputDir, step, adapterPath)
	if err != nil {
		return err
	}

	// seq length is irrelevant for actions, any positive value works
	client, err := flight.NewClient(backendAddr, 1)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	log.Info("loading adapter", "path", path)
	if err := client.LoadAdapter(ctx, path); err != nil {
		return err
	}

	text, err := client.Generate(ctx, prompt, maxTokens)
	if err != nil {
		return err
	}
	fmt.Println(text)
	return nil
}
