package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrEncode is returned when a span of text has no vocab entry and no
// byte fallback. This is a configuration problem, not a transient one.
var ErrEncode = errors.New("text not encodable with vocab")

// Encoder is the text-to-token-id boundary consumed by the packing
// stream. EOTID is the sentinel appended between concatenated samples.
type Encoder interface {
	Encode(text string) ([]int, error)
	EOTID() int
}

// Vocab is a greedy longest-match tokenizer over a fixed token list.
// Byte-level entries of the form "<0xNN>" act as a fallback so
// arbitrary UTF-8 input stays encodable when present in the vocab.
type Vocab struct {
	tokens   []string
	ids      map[string]int
	eotID    int
	maxToken int
}

type vocabFile struct {
	Tokens []string `json:"tokens"`
	EOTID  *int     `json:"eot_id"`
}

// LoadVocab reads a JSON vocab file with a "tokens" array and an
// "eot_id" index into that array.
func LoadVocab(path string) (*Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocab %s: %w", path, err)
	}

	var vf vocabFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("parse vocab %s: %w", path, err)
	}
	if len(vf.Tokens) == 0 {
		return nil, fmt.Errorf("vocab %s: no tokens", path)
	}
	if vf.EOTID == nil {
		return nil, fmt.Errorf("vocab %s: eot_id not set", path)
	}
	if *vf.EOTID < 0 || *vf.EOTID >= len(vf.Tokens) {
		return nil, fmt.Errorf("vocab %s: eot_id %d out of range (vocab size %d)", path, *vf.EOTID, len(vf.Tokens))
	}

	return New(vf.Tokens, *vf.EOTID)
}

// New builds a Vocab from an in-memory token list. On duplicate tokens
// the first id wins.
func New(tokens []string, eotID int) (*Vocab, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty token list")
	}
	if eotID < 0 || eotID >= len(tokens) {
		return nil, fmt.Errorf("eot_id %d out of range (vocab size %d)", eotID, len(tokens))
	}

	ids := make(map[string]int, len(tokens))
	maxToken := 0
	for i, tok := range tokens {
		if _, seen := ids[tok]; !seen {
			ids[tok] = i
		}
		if len(tok) > maxToken {
			maxToken = len(tok)
		}
	}

	return &Vocab{
		tokens:   tokens,
		ids:      ids,
		eotID:    eotID,
		maxToken: maxToken,
	}, nil
}

// Encode maps text to token ids, greedy longest match first, byte
// fallback second.
func (v *Vocab) Encode(text string) ([]int, error) {
	ids := []int{}
	for pos := 0; pos < len(text); {
		matchLen := 0
		matchID := -1

		limit := v.maxToken
		if rem := len(text) - pos; rem < limit {
			limit = rem
		}
		for l := limit; l > 0; l-- {
			if id, ok := v.ids[text[pos:pos+l]]; ok {
				matchLen = l
				matchID = id
				break
			}
		}

		if matchID >= 0 {
			ids = append(ids, matchID)
			pos += matchLen
			continue
		}

		// Byte fallback
		if id, ok := v.ids[fmt.Sprintf("<0x%02X>", text[pos])]; ok {
			ids = append(ids, id)
			pos++
			continue
		}

		return nil, fmt.Errorf("%w: byte 0x%02X at offset %d", ErrEncode, text[pos], pos)
	}
	return ids, nil
}

// Decode concatenates the token pieces for ids, skipping out-of-range
// entries.
func (v *Vocab) Decode(ids []int) string {
	out := ""
	for _, id := range ids {
		if id < 0 || id >= len(v.tokens) {
			continue
		}
		out += v.tokens[id]
	}
	return out
}

// EOTID returns the end-of-text sentinel id.
func (v *Vocab) EOTID() int {
	return v.eotID
}

// Size returns the vocab size.
func (v *Vocab) Size() int {
	return len(v.tokens)
}
