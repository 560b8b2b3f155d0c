package flight

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/23skdu/longbow-fletcher/internal/packing"
)

// MockBackend is an in-process stand-in for the training backend. It
// implements the same TrainStep/SaveAdapter/LoadAdapter surface as
// Client and backs the trainer tests and the --dry-run mode.
type MockBackend struct {
	mu        sync.Mutex
	connected bool
	steps     int
	batches   [][]*packing.Block
	saves     []string
	loads     []string

	// StepErr, when set, is returned by every TrainStep.
	StepErr error
	// SaveErr, when set, is returned by every SaveAdapter.
	SaveErr error
	// EmitFullWeights makes SaveAdapter also drop the full-weight
	// artifact, exercising the checkpoint cleanup path.
	EmitFullWeights bool
}

// NewMockBackend creates a disconnected mock.
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// Connect simulates connection
func (m *MockBackend) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Close simulates disconnection
func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// TrainStep records the batch and returns a smoothly decaying fake
// loss so log output looks sane in dry runs.
func (m *MockBackend) TrainStep(_ context.Context, blocks []*packing.Block) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return 0, fmt.Errorf("client not connected")
	}
	if m.StepErr != nil {
		return 0, m.StepErr
	}
	if len(blocks) == 0 {
		return 0, fmt.Errorf("empty batch")
	}

	m.steps++
	m.batches = append(m.batches, blocks)
	return 2.0 + 8.0*math.Exp(-float64(m.steps)/200.0), nil
}

// SaveAdapter writes placeholder adapter files into path.
func (m *MockBackend) SaveAdapter(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("client not connected")
	}
	if m.SaveErr != nil {
		return m.SaveErr
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	files := []string{"adapter_model.safetensors", "adapter_config.json"}
	if m.EmitFullWeights {
		files = append(files, "pytorch_model.bin")
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(path, name), []byte("mock"), 0o644); err != nil {
			return err
		}
	}

	m.saves = append(m.saves, path)
	return nil
}

// LoadAdapter records the requested adapter path.
func (m *MockBackend) LoadAdapter(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return fmt.Errorf("client not connected")
	}
	m.loads = append(m.loads, path)
	return nil
}

// TrainableParameters mimics the backend's startup readout.
func (m *MockBackend) TrainableParameters(context.Context) (string, error) {
	return "trainable params: 4,194,304 || all params: 6,742,609,920 || trainable%: 0.0622", nil
}

// Generate echoes the prompt with a canned completion.
func (m *MockBackend) Generate(_ context.Context, prompt string, _ int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return "", fmt.Errorf("client not connected")
	}
	return prompt + " [mock completion]", nil
}

// Steps returns the number of train steps taken.
func (m *MockBackend) Steps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps
}

// Batches returns every batch received, in order.
func (m *MockBackend) Batches() [][]*packing.Block {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// Saves returns every adapter save path, in order.
func (m *MockBackend) Saves() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Loads returns every adapter load path, in order.
func (m *MockBackend) Loads() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}
