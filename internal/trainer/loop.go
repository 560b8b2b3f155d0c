// Package trainer drives the fine-tuning run: it pulls packed blocks,
// groups them into optimizer-step batches for the backend, and fires
// the logging and checkpoint cadences. All numeric work happens on the
// other side of the Backend interface.
package trainer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/23skdu/longbow-fletcher/internal/checkpoint"
	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/logger"
	"github.com/23skdu/longbow-fletcher/internal/metrics"
	"github.com/23skdu/longbow-fletcher/internal/packing"
)

// Backend executes one optimizer step on a batch of packed blocks and
// reports the loss.
type Backend interface {
	TrainStep(ctx context.Context, blocks []*packing.Block) (float64, error)
}

// Loop is the training-run driver. Single-threaded and pull-based: one
// batch in flight at a time, checkpointing serialized with training.
type Loop struct {
	stream  *packing.Stream
	backend Backend
	ckpt    *checkpoint.Manager
	cfg     config.Config
	log     *logger.Logger
}

// New wires a loop. cfg is assumed validated by the caller.
func New(stream *packing.Stream, backend Backend, ckpt *checkpoint.Manager, cfg config.Config) (*Loop, error) {
	if stream == nil {
		return nil, fmt.Errorf("nil packing stream")
	}
	if backend == nil {
		return nil, fmt.Errorf("nil backend")
	}
	if ckpt == nil {
		return nil, fmt.Errorf("nil checkpoint manager")
	}
	return &Loop{
		stream:  stream,
		backend: backend,
		ckpt:    ckpt,
		cfg:     cfg,
		log:     logger.Log.WithComponent("trainer"),
	}, nil
}

// nextBatch pulls BatchSize blocks. io.EOF from the stream ends the
// run; a partial batch is discarded to keep every step uniform, same
// policy as the packing remainder.
func (l *Loop) nextBatch() ([]*packing.Block, error) {
	blocks := make([]*packing.Block, 0, l.cfg.BatchSize)
	for len(blocks) < l.cfg.BatchSize {
		b, err := l.stream.Next()
		if err == io.EOF {
			if len(blocks) > 0 {
				l.log.Info("discarding partial trailing batch", "blocks", len(blocks))
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// Run executes steps until MaxSteps, stream exhaustion (finite mode) or
// context cancellation, then writes the final adapter copy into the
// output root. Returns the last completed step number.
func (l *Loop) Run(ctx context.Context) (int, error) {
	step := l.cfg.ResumeFromStep
	if step > 0 {
		l.log.Info("resuming", "from_step", step)
	}

	window := time.Now()
	windowTokens := 0

	for step < l.cfg.MaxSteps {
		if err := ctx.Err(); err != nil {
			return step, err
		}

		blocks, err := l.nextBatch()
		if err == io.EOF {
			l.log.Info("dataset exhausted", "step", step)
			break
		}
		if err != nil {
			return step, err
		}

		start := time.Now()
		loss, err := l.backend.TrainStep(ctx, blocks)
		if err != nil {
			return step, fmt.Errorf("train step %d: %w", step+1, err)
		}
		step++
		metrics.RecordTrainStep(loss, time.Since(start))
		windowTokens += len(blocks) * l.cfg.SeqLength

		if step%l.cfg.LoggingSteps == 0 {
			elapsed := time.Since(window).Seconds()
			tps := 0.0
			if elapsed > 0 {
				tps = float64(windowTokens) / elapsed
			}
			l.log.Info("step", "step", step, "loss", loss, "tokens_per_sec", tps)
			window = time.Now()
			windowTokens = 0
		}

		if step%l.cfg.SaveSteps == 0 {
			if err := l.saveCheckpoint(ctx, step); err != nil {
				return step, err
			}
		}
	}

	if err := l.ckpt.SaveFinal(ctx); err != nil {
		return step, err
	}
	l.log.Info("training complete", "steps", step)
	return step, nil
}

func (l *Loop) saveCheckpoint(ctx context.Context, step int) error {
	if err := l.ckpt.OnSave(ctx, step); err != nil {
		return err
	}
	removed, err := checkpoint.Prune(l.cfg.OutputDir, l.cfg.SaveTotalLimit)
	if err != nil {
		return err
	}
	l.log.Info("checkpoint saved", "step", step, "pruned", removed)
	return nil
}
