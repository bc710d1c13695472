package mtbert

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
	"github.com/samber/lo"
)

// Reserved token ids shared by every tokenizer.
const (
	PadID int32 = iota
	ClsID
	SepID
	UnkID
	numReserved
)

// Tokenizer maps text to token ids in [numReserved, vocabSize).
type Tokenizer interface {
	Encode(text string) []int32
}

// WordTokenizer lower-cases and splits on non-alphanumeric runes, hashing
// every word into the vocabulary.
type WordTokenizer struct {
	vocabSize int
}

func NewWordTokenizer(vocabSize int) (*WordTokenizer, error) {
	if vocabSize <= int(numReserved) {
		return nil, fmt.Errorf("vocab size %d leaves no room for words", vocabSize)
	}
	return &WordTokenizer{vocabSize: vocabSize}, nil
}

func (t *WordTokenizer) Encode(text string) []int32 {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	return lo.Map(words, func(w string, _ int) int32 {
		h := fnv.New32a()
		h.Write([]byte(w))
		return foldID(int(h.Sum32()), t.vocabSize)
	})
}

// BPETokenizer uses a tiktoken byte-pair encoding and folds its ids into the
// model vocabulary.
type BPETokenizer struct {
	enc       *tiktoken.Tiktoken
	vocabSize int
}

// NewBPETokenizer loads the named tiktoken encoding, e.g. "cl100k_base".
func NewBPETokenizer(encoding string, vocabSize int) (*BPETokenizer, error) {
	if vocabSize <= int(numReserved) {
		return nil, fmt.Errorf("vocab size %d leaves no room for tokens", vocabSize)
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &BPETokenizer{enc: enc, vocabSize: vocabSize}, nil
}

func (t *BPETokenizer) Encode(text string) []int32 {
	ids := t.enc.Encode(text, nil, nil)
	return lo.Map(ids, func(id int, _ int) int32 { return foldID(id, t.vocabSize) })
}

func foldID(id, vocabSize int) int32 {
	span := vocabSize - int(numReserved)
	return numReserved + int32(id%span)
}

// NewTokenizer builds the tokenizer named by kind ("word" or "bpe").
func NewTokenizer(kind string, vocabSize int) (Tokenizer, error) {
	switch kind {
	case "", "word":
		return NewWordTokenizer(vocabSize)
	case "bpe":
		return NewBPETokenizer("cl100k_base", vocabSize)
	}
	return nil, fmt.Errorf("unknown tokenizer %q", kind)
}

// encodePair lays out "[CLS] a [SEP] b [SEP]" truncated and padded to
// maxLen. Sentence a gets segment 0, sentence b segment 1; padding is masked
// out. The longer sentence is trimmed first.
func encodePair(tok Tokenizer, a, b string, maxLen int) (ids, segments, mask []int32) {
	ta, tb := tok.Encode(a), tok.Encode(b)
	for len(ta)+len(tb)+3 > maxLen && len(ta)+len(tb) > 0 {
		if len(ta) >= len(tb) {
			ta = ta[:len(ta)-1]
		} else {
			tb = tb[:len(tb)-1]
		}
	}
	ids = make([]int32, maxLen)
	segments = make([]int32, maxLen)
	mask = make([]int32, maxLen)
	pos := 0
	put := func(id, seg int32) {
		if pos >= maxLen {
			return
		}
		ids[pos], segments[pos], mask[pos] = id, seg, 1
		pos++
	}
	put(ClsID, 0)
	for _, id := range ta {
		put(id, 0)
	}
	put(SepID, 0)
	for _, id := range tb {
		put(id, 1)
	}
	put(SepID, 1)
	return ids, segments, mask
}
