// Package packing turns a fixed collection of variable-length samples
// into a stream of constant-length token blocks. Samples are formatted,
// tokenized and concatenated with an end-of-text sentinel between them,
// then sliced into blocks of exactly SeqLength tokens so no padding is
// spent and block boundaries are free to cut through samples.
package packing

import (
	"fmt"
	"io"

	"github.com/23skdu/longbow-fletcher/internal/dataset"
	"github.com/23skdu/longbow-fletcher/internal/metrics"
	"github.com/23skdu/longbow-fletcher/internal/tokenizer"
)

// Options configure a Stream.
type Options struct {
	// SeqLength is the emitted block length in tokens. Must be positive.
	SeqLength int
	// Infinite re-iterates the sample source forever by wrapping the
	// cursor after the last sample. When false the stream ends after
	// one full pass and Next returns io.EOF.
	Infinite bool
}

// Block is one fixed-length training example. Labels always equal
// InputIDs (causal objective) and AttentionMask is all ones. The caller
// owns all three slices.
type Block struct {
	InputIDs      []int
	Labels        []int
	AttentionMask []int
}

// Stream pulls samples from a Source through an Encoder and emits
// packed Blocks. Single-consumer: no internal locking.
type Stream struct {
	src       *dataset.Source
	enc       tokenizer.Encoder
	seqLength int
	infinite  bool

	buf    []int
	cursor int
	done   bool
}

// New validates the options eagerly and builds a stream positioned at
// the first sample.
func New(src *dataset.Source, enc tokenizer.Encoder, opts Options) (*Stream, error) {
	if opts.SeqLength <= 0 {
		return nil, fmt.Errorf("invalid seq_length: %d (must be positive)", opts.SeqLength)
	}
	if src == nil {
		return nil, fmt.Errorf("nil sample source")
	}
	if enc == nil {
		return nil, fmt.Errorf("nil encoder")
	}
	if opts.Infinite && src.Len() == 0 {
		// An infinite stream over zero samples can never fill a block.
		return nil, fmt.Errorf("empty sample source with infinite=true")
	}

	return &Stream{
		src:       src,
		enc:       enc,
		seqLength: opts.SeqLength,
		infinite:  opts.Infinite,
	}, nil
}

// Next returns the next packed block. In finite mode it returns io.EOF
// once the source is exhausted; the trailing remainder shorter than
// SeqLength is discarded, never emitted short. Tokenizer failures are
// fatal and propagate unretried.
func (s *Stream) Next() (*Block, error) {
	if s.done {
		return nil, io.EOF
	}

	for len(s.buf) < s.seqLength {
		if s.cursor == s.src.Len() {
			if !s.infinite {
				metrics.RecordDiscard(len(s.buf))
				s.buf = nil
				s.done = true
				return nil, io.EOF
			}
			s.cursor = 0
			metrics.RecordEpoch()
		}

		sample, err := s.src.At(s.cursor)
		if err != nil {
			return nil, err
		}
		ids, err := s.enc.Encode(sample.Format())
		if err != nil {
			return nil, fmt.Errorf("tokenize sample %d: %w", s.cursor, err)
		}

		s.buf = append(s.buf, ids...)
		s.buf = append(s.buf, s.enc.EOTID())
		s.cursor++
		metrics.RecordSample()
	}

	ids := make([]int, s.seqLength)
	copy(ids, s.buf[:s.seqLength])
	s.buf = s.buf[s.seqLength:]

	labels := make([]int, s.seqLength)
	copy(labels, ids)

	mask := make([]int, s.seqLength)
	for i := range mask {
		mask[i] = 1
	}

	metrics.RecordBlock(s.seqLength)
	return &Block{InputIDs: ids, Labels: labels, AttentionMask: mask}, nil
}

// Reset returns the stream to its initial state: empty buffer, cursor
// at the first sample.
func (s *Stream) Reset() {
	s.buf = nil
	s.cursor = 0
	s.done = false
}

// SeqLength returns the configured block length.
func (s *Stream) SeqLength() int {
	return s.seqLength
}

// Buffered returns the number of tokens currently held back for the
// next block. Debug surface for the pack command.
func (s *Stream) Buffered() int {
	return len(s.buf)
}
