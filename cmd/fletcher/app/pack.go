package app

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/packing"
	"github.com/23skdu/longbow-fletcher/internal/tokenizer"
)

// NewPackCommand creates the pack command, a debug tool that prints the
// first blocks a dataset packs into so boundaries can be eyeballed
// before burning GPU hours.
func NewPackCommand() *cobra.Command {
	var (
		dataPath  string
		vocabPath string
		seqLength int
		infinite  bool
		numBlocks int
		decode    bool
	)

	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Preview packed blocks for a dataset and vocab",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.Setup("warn", "console")
			return runPack(dataPath, vocabPath, seqLength, infinite, numBlocks, decode)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&dataPath, "data", "data.json", "Path to the dataset (JSON array or Arrow IPC file)")
	flags.StringVar(&vocabPath, "vocab", "vocab.json", "Path to the tokenizer vocab file")
	flags.IntVar(&seqLength, "seq-length", 128, "Packed block length in tokens")
	flags.BoolVar(&infinite, "infinite", false, "Wrap the dataset instead of stopping after one pass")
	flags.IntVar(&numBlocks, "n", 4, "Number of blocks to print")
	flags.BoolVar(&decode, "decode", true, "Also print the decoded text of each block")

	return cmd
}

func runPack(dataPath, vocabPath string, seqLength int, infinite bool, numBlocks int, decode bool) error {
	cfg := config.Default()
	cfg.DatasetPath = dataPath

	src, err := loadSource(cfg)
	if err != nil {
		return err
	}

	vocab, err := tokenizer.LoadVocab(vocabPath)
	if err != nil {
		return err
	}

	stream, err := packing.New(src, vocab, packing.Options{
		SeqLength: seqLength,
		Infinite:  infinite,
	})
	if err != nil {
		return err
	}

	fmt.Printf("samples=%d vocab=%d eot=%d seq_length=%d\n\n", src.Len(), vocab.Size(), vocab.EOTID(), seqLength)

	for i := 0; i < numBlocks; i++ {
		b, err := stream.Next()
		if err == io.EOF {
			fmt.Printf("stream ended after %d blocks (%d tokens left in buffer, discarded)\n", i, stream.Buffered())
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Printf("block %d: %v\n", i, b.InputIDs)
		if decode {
			fmt.Printf("  text: %q\n", vocab.Decode(b.InputIDs))
		}
	}
	return nil
}
