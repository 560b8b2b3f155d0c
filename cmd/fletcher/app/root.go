package app

import (
	"github.com/spf13/cobra"
)

// NewFletcherCommand creates the root command with all subcommands
// attached.
func NewFletcherCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "fletcher",
		Short: "Adapter fine-tuning driver with packed-sequence streaming",
		Long: `fletcher drives parameter-efficient fine-tuning of a causal language
model. It loads a question/answer dataset, packs it into fixed-length
token blocks with no padding waste, streams batches to a training
backend over Arrow Flight, and persists adapter-only checkpoints with
rotation.

The backend owns the quantized base model, the low-rank adapter and the
optimizer; fletcher owns the data pipeline and checkpoint lifecycle.`,
		SilenceUsage: true,
	}

	root.AddCommand(NewTrainCommand())
	root.AddCommand(NewInferCommand())
	root.AddCommand(NewPackCommand())
	return root
}
