package trainer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/23skdu/longbow-fletcher/internal/checkpoint"
	"github.com/23skdu/longbow-fletcher/internal/config"
	"github.com/23skdu/longbow-fletcher/internal/dataset"
	"github.com/23skdu/longbow-fletcher/internal/flight"
	"github.com/23skdu/longbow-fletcher/internal/packing"
)

type charEnc struct{}

func (charEnc) Encode(text string) ([]int, error) {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids, nil
}

func (charEnc) EOTID() int { return 0 }

func testSamples() []dataset.Sample {
	return []dataset.Sample{
		{Query: "What is a longbow?", Response: "A tall self bow."},
		{Query: "What is a quarrel?", Response: "A crossbow bolt."},
	}
}

func testConfig(root string) config.Config {
	cfg := config.Default()
	cfg.DatasetPath = "unused.json"
	cfg.OutputDir = root
	cfg.SeqLength = 8
	cfg.BatchSize = 2
	cfg.MaxSteps = 20
	cfg.LoggingSteps = 5
	cfg.SaveSteps = 5
	cfg.SaveTotalLimit = 2
	return cfg
}

func newLoop(t *testing.T, cfg config.Config, infinite bool) (*Loop, *flight.MockBackend) {
	t.Helper()

	stream, err := packing.New(dataset.FromSamples(testSamples()), charEnc{}, packing.Options{
		SeqLength: cfg.SeqLength,
		Infinite:  infinite,
	})
	if err != nil {
		t.Fatalf("packing.New() error = %v", err)
	}

	backend := flight.NewMockBackend()
	if err := backend.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	ckpt, err := checkpoint.NewManager(cfg.OutputDir, backend)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	loop, err := New(stream, backend, ckpt, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return loop, backend
}

func TestNewValidation(t *testing.T) {
	cfg := testConfig(t.TempDir())
	backend := flight.NewMockBackend()
	ckpt, _ := checkpoint.NewManager(cfg.OutputDir, backend)
	stream, _ := packing.New(dataset.FromSamples(testSamples()), charEnc{}, packing.Options{SeqLength: 8, Infinite: true})

	if _, err := New(nil, backend, ckpt, cfg); err == nil {
		t.Error("expected error for nil stream")
	}
	if _, err := New(stream, nil, ckpt, cfg); err == nil {
		t.Error("expected error for nil backend")
	}
	if _, err := New(stream, backend, nil, cfg); err == nil {
		t.Error("expected error for nil checkpoint manager")
	}
}

func TestRunInfiniteStopsAtMaxSteps(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	loop, backend := newLoop(t, cfg, true)

	steps, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if steps != 20 {
		t.Errorf("Run() steps = %d, want 20", steps)
	}
	if backend.Steps() != 20 {
		t.Errorf("backend saw %d steps, want 20", backend.Steps())
	}

	// Every batch is uniform: BatchSize blocks of SeqLength tokens
	for i, batch := range backend.Batches() {
		if len(batch) != cfg.BatchSize {
			t.Fatalf("batch %d has %d blocks, want %d", i, len(batch), cfg.BatchSize)
		}
		for _, b := range batch {
			if len(b.InputIDs) != cfg.SeqLength {
				t.Fatalf("batch %d block length %d, want %d", i, len(b.InputIDs), cfg.SeqLength)
			}
		}
	}
}

func TestRunCheckpointCadenceAndRetention(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	loop, backend := newLoop(t, cfg, true)

	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Saves at 5, 10, 15, 20 plus the final root save
	saves := backend.Saves()
	want := []string{
		checkpoint.Path(root, 5),
		checkpoint.Path(root, 10),
		checkpoint.Path(root, 15),
		checkpoint.Path(root, 20),
		root,
	}
	if !reflect.DeepEqual(saves, want) {
		t.Errorf("Saves() = %v, want %v", saves, want)
	}

	// Retention keeps only the newest SaveTotalLimit step directories
	steps, err := checkpoint.Steps(root)
	if err != nil {
		t.Fatalf("Steps() error = %v", err)
	}
	if !reflect.DeepEqual(steps, []int{15, 20}) {
		t.Errorf("remaining checkpoints = %v, want [15 20]", steps)
	}

	// Final deployment copy lives in the root itself
	if _, err := os.Stat(filepath.Join(root, "adapter_model.safetensors")); err != nil {
		t.Errorf("final adapter copy missing: %v", err)
	}
}

func TestRunFiniteExhaustsDataset(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	cfg.MaxSteps = 1000000
	loop, backend := newLoop(t, cfg, false)

	steps, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// One finite pass: total tokens tokenized once, floor-divided into
	// blocks, floor-divided into batches.
	total := 0
	for _, s := range testSamples() {
		total += len(s.Format()) + 1
	}
	wantSteps := (total / cfg.SeqLength) / cfg.BatchSize
	if steps != wantSteps {
		t.Errorf("Run() steps = %d, want %d", steps, wantSteps)
	}
	if backend.Steps() != wantSteps {
		t.Errorf("backend saw %d steps, want %d", backend.Steps(), wantSteps)
	}
}

func TestRunBackendErrorPropagates(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	loop, backend := newLoop(t, cfg, true)

	stepErr := errors.New("cuda out of memory")
	backend.StepErr = stepErr

	_, err := loop.Run(context.Background())
	if !errors.Is(err, stepErr) {
		t.Errorf("expected backend error to propagate, got %v", err)
	}
}

func TestRunSaveErrorPropagates(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	loop, backend := newLoop(t, cfg, true)

	saveErr := errors.New("disk full")
	backend.SaveErr = saveErr

	_, err := loop.Run(context.Background())
	if !errors.Is(err, saveErr) {
		t.Errorf("expected save error to propagate, got %v", err)
	}
}

func TestRunContextCancellation(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	loop, _ := newLoop(t, cfg, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := loop.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRunResumeContinuesNumbering(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	cfg.ResumeFromStep = 15
	loop, backend := newLoop(t, cfg, true)

	steps, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if steps != 20 {
		t.Errorf("Run() steps = %d, want 20", steps)
	}
	// Only 5 new optimizer steps were executed
	if backend.Steps() != 5 {
		t.Errorf("backend saw %d steps, want 5", backend.Steps())
	}
	// The one cadence hit is the absolute step number 20
	if saves := backend.Saves(); len(saves) != 2 || saves[0] != checkpoint.Path(root, 20) {
		t.Errorf("Saves() = %v, want checkpoint-20 then final", saves)
	}
}
