// Package checkpoint persists adapter-only snapshots under
// step-numbered directories and enforces the retention limit. The
// frozen base model is never written here; the conventional full-weight
// artifact is removed if the save routine emits one as a byproduct.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/23skdu/longbow-fletcher/internal/metrics"
)

// Prefix is the checkpoint directory name prefix, matching the trainer
// convention the adapters are reloaded with.
const Prefix = "checkpoint"

// FullWeightArtifact is the conventional filename of a full base-model
// weight dump. Deleted after adapter saves as a space-saving measure.
const FullWeightArtifact = "pytorch_model.bin"

// AdapterSaver serializes only the adapter's trainable parameters to a
// directory. The training backend implements this.
type AdapterSaver interface {
	SaveAdapter(ctx context.Context, path string) error
}

// Manager reacts to save-requested events from the training loop. It
// never halts or alters training; a failed save propagates to the
// caller untouched.
type Manager struct {
	root  string
	saver AdapterSaver
}

// NewManager builds a manager writing under root.
func NewManager(root string, saver AdapterSaver) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("empty checkpoint root")
	}
	if saver == nil {
		return nil, fmt.Errorf("nil adapter saver")
	}
	return &Manager{root: root, saver: saver}, nil
}

// Path returns the checkpoint directory for a step: root/checkpoint-<step>.
func Path(root string, step int) string {
	return filepath.Join(root, fmt.Sprintf("%s-%d", Prefix, step))
}

// OnSave persists the adapter parameters for step and removes any stray
// full-weight artifact. An adapter-save failure is fatal; a silently
// incomplete checkpoint is worse than a crashed run. A missing artifact
// is not an error, any other removal failure is.
func (m *Manager) OnSave(ctx context.Context, step int) error {
	if step < 0 {
		return fmt.Errorf("invalid step: %d (must be non-negative)", step)
	}

	path := Path(m.root, step)
	start := time.Now()

	if err := m.saver.SaveAdapter(ctx, path); err != nil {
		metrics.RecordBackendError("save_adapter")
		return fmt.Errorf("save adapter checkpoint %s: %w", path, err)
	}

	artifact := filepath.Join(path, FullWeightArtifact)
	if err := os.Remove(artifact); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove full-weight artifact %s: %w", artifact, err)
	}

	metrics.RecordCheckpoint(time.Since(start))
	return nil
}

// SaveFinal persists the adapter into the output root itself, the
// deployment copy written once after training ends. Same cleanup rules
// as OnSave.
func (m *Manager) SaveFinal(ctx context.Context) error {
	start := time.Now()
	if err := m.saver.SaveAdapter(ctx, m.root); err != nil {
		metrics.RecordBackendError("save_adapter")
		return fmt.Errorf("save final adapter %s: %w", m.root, err)
	}

	artifact := filepath.Join(m.root, FullWeightArtifact)
	if err := os.Remove(artifact); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove full-weight artifact %s: %w", artifact, err)
	}

	metrics.RecordCheckpoint(time.Since(start))
	return nil
}

// Steps lists the step numbers of existing checkpoint directories under
// root, ascending. Entries not matching checkpoint-<n> are ignored.
func Steps(root string) ([]int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints in %s: %w", root, err)
	}

	var steps []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rest, ok := strings.CutPrefix(e.Name(), Prefix+"-")
		if !ok {
			continue
		}
		step, err := strconv.Atoi(rest)
		if err != nil || step < 0 {
			continue
		}
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return steps, nil
}

// LatestStep returns the highest checkpoint step under root, or false
// when none exist.
func LatestStep(root string) (int, bool, error) {
	steps, err := Steps(root)
	if err != nil || len(steps) == 0 {
		return 0, false, err
	}
	return steps[len(steps)-1], true, nil
}

// Prune removes the oldest checkpoint directories until at most limit
// remain. limit <= 0 keeps everything. Returns the number removed.
func Prune(root string, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	steps, err := Steps(root)
	if err != nil {
		return 0, err
	}
	if len(steps) <= limit {
		return 0, nil
	}

	removed := 0
	for _, step := range steps[:len(steps)-limit] {
		if err := os.RemoveAll(Path(root, step)); err != nil {
			return removed, fmt.Errorf("prune checkpoint step %d: %w", step, err)
		}
		removed++
	}
	metrics.RecordPrune(removed)
	return removed, nil
}
