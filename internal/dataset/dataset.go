package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrDataFormat is returned when the serialized collection is not a
// well-formed array of {query, response} records.
var ErrDataFormat = errors.New("malformed sample collection")

// ErrIndexRange is returned for out-of-range sample access. Correct
// cursor arithmetic upstream never hits this.
var ErrIndexRange = errors.New("sample index out of range")

// Sample is one labeled record. Immutable once loaded.
type Sample struct {
	Query    string
	Response string
}

// Format renders the sample into the prompt layout the model is tuned
// on. Recomputed on demand, never stored.
func (s Sample) Format() string {
	return fmt.Sprintf("Question: %s\n\nAnswer: %s", s.Query, s.Response)
}

// Source is an ordered, fixed-length, in-memory collection of samples.
// The whole collection is materialized at load time since packing makes
// unbounded repeated passes over it.
type Source struct {
	samples []Sample
}

// rawSample uses pointers so absent fields are distinguishable from
// empty strings. Empty values are legal, missing keys are not.
type rawSample struct {
	Query    *string `json:"query"`
	Response *string `json:"response"`
}

// Load reads a JSON array of {query, response} objects from path.
func Load(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}

	var raw []rawSample
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDataFormat, path, err)
	}

	samples := make([]Sample, len(raw))
	for i, r := range raw {
		if r.Query == nil {
			return nil, fmt.Errorf("%w: record %d missing field %q", ErrDataFormat, i, "query")
		}
		if r.Response == nil {
			return nil, fmt.Errorf("%w: record %d missing field %q", ErrDataFormat, i, "response")
		}
		samples[i] = Sample{Query: *r.Query, Response: *r.Response}
	}

	return &Source{samples: samples}, nil
}

// FromSamples wraps an already-materialized slice. The slice is copied
// so the source keeps sole ownership.
func FromSamples(samples []Sample) *Source {
	owned := make([]Sample, len(samples))
	copy(owned, samples)
	return &Source{samples: owned}
}

// Len returns the fixed number of samples.
func (s *Source) Len() int {
	return len(s.samples)
}

// At returns the sample at index i in insertion order.
func (s *Source) At(i int) (Sample, error) {
	if i < 0 || i >= len(s.samples) {
		return Sample{}, fmt.Errorf("%w: %d (len %d)", ErrIndexRange, i, len(s.samples))
	}
	return s.samples[i], nil
}
