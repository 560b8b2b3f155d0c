// Package main is the entry point for the fletcher CLI, a
// parameter-efficient fine-tuning driver: it packs question/answer
// datasets into fixed-length token blocks, streams them to a training
// backend over Arrow Flight, and manages adapter-only checkpoints.
package main

import (
	"os"

	"github.com/23skdu/longbow-fletcher/cmd/fletcher/app"
)

func main() {
	cmd := app.NewFletcherCommand()
	if err := cmd.Execute(); err != nil {
		// Error is already printed by cobra, just exit
		os.Exit(1)
	}
}
