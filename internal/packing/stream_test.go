package packing

import (
	"errors"
	"io"
	"reflect"
	"testing"

	"github.com/23skdu/longbow-fletcher/internal/dataset"
)

// charEnc maps every byte to its code point, per-character identity
// tokenization. eot is the boundary sentinel id.
type charEnc struct {
	eot int
}

func (c charEnc) Encode(text string) ([]int, error) {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids, nil
}

func (c charEnc) EOTID() int { return c.eot }

type failEnc struct{}

var errBadText = errors.New("bad text")

func (failEnc) Encode(string) ([]int, error) { return nil, errBadText }
func (failEnc) EOTID() int                   { return 0 }

// expectedTokens is the full tokenized-plus-boundary sequence of one
// pass over the samples.
func expectedTokens(samples []dataset.Sample, eot int) []int {
	var out []int
	for _, s := range samples {
		for _, b := range []byte(s.Format()) {
			out = append(out, int(b))
		}
		out = append(out, eot)
	}
	return out
}

func newStream(t *testing.T, samples []dataset.Sample, seqLength int, infinite bool) *Stream {
	t.Helper()
	s, err := New(dataset.FromSamples(samples), charEnc{eot: 0}, Options{SeqLength: seqLength, Infinite: infinite})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestNewValidation(t *testing.T) {
	src := dataset.FromSamples([]dataset.Sample{{Query: "a", Response: "b"}})

	if _, err := New(src, charEnc{}, Options{SeqLength: 0}); err == nil {
		t.Error("expected error for zero seq_length")
	}
	if _, err := New(src, charEnc{}, Options{SeqLength: -4}); err == nil {
		t.Error("expected error for negative seq_length")
	}
	if _, err := New(nil, charEnc{}, Options{SeqLength: 4}); err == nil {
		t.Error("expected error for nil source")
	}
	if _, err := New(src, nil, Options{SeqLength: 4}); err == nil {
		t.Error("expected error for nil encoder")
	}
	if _, err := New(dataset.FromSamples(nil), charEnc{}, Options{SeqLength: 4, Infinite: true}); err == nil {
		t.Error("expected error for empty source with infinite=true")
	}
}

func TestBlockShape(t *testing.T) {
	s := newStream(t, []dataset.Sample{{Query: "hello", Response: "world"}}, 8, true)

	for i := 0; i < 20; i++ {
		b, err := s.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if len(b.InputIDs) != 8 || len(b.Labels) != 8 || len(b.AttentionMask) != 8 {
			t.Fatalf("block %d: lengths %d/%d/%d, want 8", i, len(b.InputIDs), len(b.Labels), len(b.AttentionMask))
		}
		if !reflect.DeepEqual(b.Labels, b.InputIDs) {
			t.Fatalf("block %d: labels differ from ids", i)
		}
		for j, m := range b.AttentionMask {
			if m != 1 {
				t.Fatalf("block %d: mask[%d] = %d, want 1", i, j, m)
			}
		}
	}
}

func TestFiniteReconstruction(t *testing.T) {
	samples := []dataset.Sample{
		{Query: "What is packing?", Response: "Concatenation into fixed blocks."},
		{Query: "", Response: ""},
		{Query: "short", Response: "s"},
	}
	seqLength := 16
	s := newStream(t, samples, seqLength, false)

	var got []int
	blocks := 0
	for {
		b, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, b.InputIDs...)
		blocks++
	}

	want := expectedTokens(samples, 0)
	wantLen := (len(want) / seqLength) * seqLength

	if len(got) != wantLen {
		t.Fatalf("emitted %d tokens, want %d (largest multiple of %d <= %d)", len(got), wantLen, seqLength, len(want))
	}
	if !reflect.DeepEqual(got, want[:wantLen]) {
		t.Error("emitted tokens do not reconstruct the source sequence")
	}

	// Exhausted stream keeps returning io.EOF
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after exhaustion, got %v", err)
	}
}

func TestFiniteDiscardsShortRemainder(t *testing.T) {
	// One sample, block longer than the whole pass: nothing is emitted.
	samples := []dataset.Sample{{Query: "a", Response: "b"}}
	total := len(expectedTokens(samples, 0))

	s := newStream(t, samples, total+1, false)
	if _, err := s.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF for pass shorter than one block, got %v", err)
	}

	// Block length exactly the pass length: exactly one block.
	s = newStream(t, samples, total, false)
	b, err := s.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !reflect.DeepEqual(b.InputIDs, expectedTokens(samples, 0)) {
		t.Error("single block does not match the full pass")
	}
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after the single block, got %v", err)
	}
}

func TestOversizedSampleSplitsAcrossBlocks(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'x'
	}
	samples := []dataset.Sample{{Query: string(long), Response: string(long)}}
	s := newStream(t, samples, 32, false)

	var got []int
	for {
		b, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, b.InputIDs...)
	}

	want := expectedTokens(samples, 0)
	wantLen := (len(want) / 32) * 32
	if !reflect.DeepEqual(got, want[:wantLen]) {
		t.Error("oversized sample not split intact across blocks")
	}
}

func TestInfiniteWrapPeriodicity(t *testing.T) {
	// Single sample, identity tokenization. The emitted id stream is the
	// sample's tokenization plus boundary repeated forever, re-sliced
	// into blocks of 4: the block pattern repeats with period
	// lcm(len+1, 4) / 4 blocks.
	samples := []dataset.Sample{{Query: "a", Response: "b"}}
	tokens := expectedTokens(samples, 0)
	period := lcm(len(tokens), 4) / 4

	s := newStream(t, samples, 4, true)

	var blocks [][]int
	for i := 0; i < 2*period; i++ {
		b, err := s.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		blocks = append(blocks, b.InputIDs)
	}

	for i := 0; i < period; i++ {
		if !reflect.DeepEqual(blocks[i], blocks[i+period]) {
			t.Fatalf("block %d differs from block %d, period %d broken", i, i+period, period)
		}
	}

	// First block is the head of the tokenization
	if !reflect.DeepEqual(blocks[0], tokens[:4]) {
		t.Errorf("first block = %v, want %v", blocks[0], tokens[:4])
	}
}

func lcm(a, b int) int {
	x, y := a, b
	for y != 0 {
		x, y = y, x%y
	}
	return a / x * b
}

func TestCallerOwnsBlock(t *testing.T) {
	samples := []dataset.Sample{{Query: "abc", Response: "def"}}
	s := newStream(t, samples, 4, true)

	ref := newStream(t, samples, 4, true)

	b1, err := s.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	// Scribble over the returned block
	for i := range b1.InputIDs {
		b1.InputIDs[i] = -1
		b1.Labels[i] = -1
		b1.AttentionMask[i] = 0
	}

	if _, err := ref.Next(); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	b2, err := s.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	r2, _ := ref.Next()
	if !reflect.DeepEqual(b2.InputIDs, r2.InputIDs) {
		t.Error("mutating an emitted block corrupted stream state")
	}
}

func TestReset(t *testing.T) {
	samples := []dataset.Sample{
		{Query: "one", Response: "1"},
		{Query: "two", Response: "2"},
	}
	s := newStream(t, samples, 8, true)

	first, err := s.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.Next(); err != nil {
			t.Fatalf("Next() error = %v", err)
		}
	}

	s.Reset()
	if s.Buffered() != 0 {
		t.Errorf("Buffered() = %d after Reset, want 0", s.Buffered())
	}

	again, err := s.Next()
	if err != nil {
		t.Fatalf("Next() after Reset error = %v", err)
	}
	if !reflect.DeepEqual(again.InputIDs, first.InputIDs) {
		t.Error("first block after Reset differs from original first block")
	}
}

func TestResetRevivesFiniteStream(t *testing.T) {
	samples := []dataset.Sample{{Query: "abcdefgh", Response: "ijklmnop"}}
	s := newStream(t, samples, 8, false)

	n := 0
	for {
		if _, err := s.Next(); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		n++
	}

	s.Reset()
	m := 0
	for {
		if _, err := s.Next(); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		m++
	}

	if n == 0 || n != m {
		t.Errorf("pass after Reset emitted %d blocks, first pass %d", m, n)
	}
}

func TestTokenizerErrorPropagates(t *testing.T) {
	src := dataset.FromSamples([]dataset.Sample{{Query: "a", Response: "b"}})
	s, err := New(src, failEnc{}, Options{SeqLength: 4, Infinite: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = s.Next()
	if !errors.Is(err, errBadText) {
		t.Errorf("expected tokenizer error to propagate, got %v", err)
	}
}

func TestEmptyFiniteSource(t *testing.T) {
	s, err := New(dataset.FromSamples(nil), charEnc{}, Options{SeqLength: 4})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("expected immediate io.EOF for empty finite source, got %v", err)
	}
}
