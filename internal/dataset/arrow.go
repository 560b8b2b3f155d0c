package dataset

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// LoadArrow reads an Arrow IPC file with string columns "query" and
// "response" into an in-memory Source. Exported datasets from
// Arrow-backed stores land here without a JSON conversion step.
func LoadArrow(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDataFormat, path, err)
	}
	defer r.Close()

	queryIdx, err := columnIndex(r.Schema(), "query")
	if err != nil {
		return nil, err
	}
	responseIdx, err := columnIndex(r.Schema(), "response")
	if err != nil {
		return nil, err
	}

	var samples []Sample
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: record batch %d: %v", ErrDataFormat, path, i, err)
		}

		queries, err := stringColumn(rec.Column(queryIdx), "query")
		if err != nil {
			return nil, err
		}
		responses, err := stringColumn(rec.Column(responseIdx), "response")
		if err != nil {
			return nil, err
		}

		for row := 0; row < int(rec.NumRows()); row++ {
			samples = append(samples, Sample{
				Query:    queries.Value(row),
				Response: responses.Value(row),
			})
		}
	}

	return &Source{samples: samples}, nil
}

func columnIndex(schema *arrow.Schema, name string) (int, error) {
	indices := schema.FieldIndices(name)
	if len(indices) == 0 {
		return 0, fmt.Errorf("%w: missing column %q", ErrDataFormat, name)
	}
	return indices[0], nil
}

func stringColumn(col arrow.Array, name string) (*array.String, error) {
	s, ok := col.(*array.String)
	if !ok {
		return nil, fmt.Errorf("%w: column %q is %s, want utf8", ErrDataFormat, name, col.DataType())
	}
	return s, nil
}
