// Package flight reaches the training backend over Arrow Flight. The
// backend owns the quantized base model, the LoRA adapter and the
// optimizer; this client ships packed batches to it and drives adapter
// persistence through Flight actions.
package flight

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-fletcher/internal/metrics"
	"github.com/23skdu/longbow-fletcher/internal/packing"
)

const (
	// DefaultPort is the Flight port of the training backend sidecar.
	DefaultPort = 3000

	actionSaveAdapter = "save_adapter"
	actionLoadAdapter = "load_adapter"
	actionTrainable   = "trainable_parameters"
	actionGenerate    = "generate"
)

// Client wraps an Arrow Flight connection to the training backend.
type Client struct {
	fc        flight.Client
	addr      string
	seqLength int
	timeout   time.Duration
	mem       memory.Allocator
}

// NewClient builds an unconnected client. seqLength fixes the batch
// schema for the whole run.
func NewClient(addr string, seqLength int) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("empty backend address")
	}
	if seqLength <= 0 {
		return nil, fmt.Errorf("invalid seq_length: %d (must be positive)", seqLength)
	}
	return &Client{
		addr:      addr,
		seqLength: seqLength,
		timeout:   30 * time.Second,
		mem:       memory.DefaultAllocator,
	}, nil
}

// Connect establishes the gRPC connection to the backend.
func (c *Client) Connect(ctx context.Context) error {
	fc, err := flight.NewClientWithMiddleware(c.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect training backend %s: %w", c.addr, err)
	}
	c.fc = fc
	return nil
}

// Close disconnects from the backend.
func (c *Client) Close() error {
	if c.fc != nil {
		return c.fc.Close()
	}
	return nil
}

// batchSchema is the wire layout of one optimizer step: three
// fixed-size-list columns, one row per packed block.
func (c *Client) batchSchema() *arrow.Schema {
	listType := arrow.FixedSizeListOf(int32(c.seqLength), arrow.PrimitiveTypes.Int32)
	return arrow.NewSchema([]arrow.Field{
		{Name: "input_ids", Type: listType},
		{Name: "labels", Type: listType},
		{Name: "attention_mask", Type: listType},
	}, nil)
}

// buildBatch encodes blocks into one Arrow record. The caller releases
// the record.
func (c *Client) buildBatch(blocks []*packing.Block) (arrow.Record, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	schema := c.batchSchema()
	b := array.NewRecordBuilder(c.mem, schema)
	defer b.Release()

	columns := []func(*packing.Block) []int{
		func(bl *packing.Block) []int { return bl.InputIDs },
		func(bl *packing.Block) []int { return bl.Labels },
		func(bl *packing.Block) []int { return bl.AttentionMask },
	}

	for col, pick := range columns {
		listB := b.Field(col).(*array.FixedSizeListBuilder)
		valB := listB.ValueBuilder().(*array.Int32Builder)
		for _, block := range blocks {
			vals := pick(block)
			if len(vals) != c.seqLength {
				return nil, fmt.Errorf("block length %d does not match seq_length %d", len(vals), c.seqLength)
			}
			listB.Append(true)
			for _, v := range vals {
				valB.Append(int32(v))
			}
		}
	}

	return b.NewRecord(), nil
}

// stepResult is the backend's reply carried in the PutResult metadata.
type stepResult struct {
	Loss float64 `json:"loss"`
}

// TrainStep ships one batch of packed blocks as a DoPut on the "train"
// descriptor and returns the loss the backend reports for the step.
func (c *Client) TrainStep(ctx context.Context, blocks []*packing.Block) (float64, error) {
	if c.fc == nil {
		return 0, fmt.Errorf("client not connected, call Connect() first")
	}

	rec, err := c.buildBatch(blocks)
	if err != nil {
		return 0, err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.fc.DoPut(ctx)
	if err != nil {
		metrics.RecordBackendError("train_step")
		return 0, fmt.Errorf("train step: open stream: %w", err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"train"},
	})

	if err := wr.Write(rec); err != nil {
		metrics.RecordBackendError("train_step")
		return 0, fmt.Errorf("train step: write batch: %w", err)
	}
	if err := wr.Close(); err != nil {
		metrics.RecordBackendError("train_step")
		return 0, fmt.Errorf("train step: close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		metrics.RecordBackendError("train_step")
		return 0, fmt.Errorf("train step: close send: %w", err)
	}

	res, err := stream.Recv()
	if err != nil {
		metrics.RecordBackendError("train_step")
		return 0, fmt.Errorf("train step: read result: %w", err)
	}

	var sr stepResult
	if err := json.Unmarshal(res.GetAppMetadata(), &sr); err != nil {
		return 0, fmt.Errorf("train step: decode loss metadata: %w", err)
	}
	return sr.Loss, nil
}

// doAction runs a unary Flight action and returns the first result
// body, draining the stream.
func (c *Client) doAction(ctx context.Context, name string, body []byte) ([]byte, error) {
	if c.fc == nil {
		return nil, fmt.Errorf("client not connected, call Connect() first")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.fc.DoAction(ctx, &flight.Action{Type: name, Body: body})
	if err != nil {
		metrics.RecordBackendError(name)
		return nil, fmt.Errorf("action %s: %w", name, err)
	}

	var first []byte
	for {
		res, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			metrics.RecordBackendError(name)
			return nil, fmt.Errorf("action %s: %w", name, err)
		}
		if first == nil {
			first = res.GetBody()
		}
	}
	return first, nil
}

// SaveAdapter asks the backend to serialize the adapter-only
// parameters into path. The backend shares the checkpoint volume.
func (c *Client) SaveAdapter(ctx context.Context, path string) error {
	_, err := c.doAction(ctx, actionSaveAdapter, []byte(path))
	return err
}

// LoadAdapter attaches previously saved adapter parameters from path
// onto the frozen base model.
func (c *Client) LoadAdapter(ctx context.Context, path string) error {
	_, err := c.doAction(ctx, actionLoadAdapter, []byte(path))
	return err
}

// TrainableParameters returns the backend's trainable-parameter
// readout, logged once at startup.
func (c *Client) TrainableParameters(ctx context.Context) (string, error) {
	body, err := c.doAction(ctx, actionTrainable, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

type generateRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
}

// Generate asks the backend for a completion with the currently loaded
// adapter. Used by the infer command only.
func (c *Client) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	req, err := json.Marshal(generateRequest{Prompt: prompt, MaxTokens: maxTokens})
	if err != nil {
		return "", err
	}
	body, err := c.doAction(ctx, actionGenerate, req)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
