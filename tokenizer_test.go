package mtbert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordTokenizer_Encode(t *testing.T) {
	tok, err := NewWordTokenizer(100)
	require.NoError(t, err)
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{name: "case folded", a: "A Man", b: "a man", same: true},
		{name: "punctuation ignored", a: "a man.", b: "a, man!", same: true},
		{name: "different words", a: "a man", b: "a dog", same: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := tok.Encode(tt.a), tok.Encode(tt.b)
			if tt.same {
				assert.Equal(t, a, b)
			} else {
				assert.NotEqual(t, a, b)
			}
			for _, id := range append(a, b...) {
				assert.GreaterOrEqual(t, id, numReserved)
				assert.Less(t, id, int32(100))
			}
		})
	}
	assert.Empty(t, tok.Encode(" ... "))
}

func TestNewTokenizer(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		vocab   int
		wantErr bool
	}{
		{name: "default", kind: "", vocab: 50},
		{name: "word", kind: "word", vocab: 50},
		{name: "unknown", kind: "sentencepiece", vocab: 50, wantErr: true},
		{name: "vocab too small", kind: "word", vocab: 4, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenizer(tt.kind, tt.vocab)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
	_, err := NewBPETokenizer("no_such_encoding", 100)
	assert.Error(t, err)
}

// fixedTokenizer maps every word to the same id.
type fixedTokenizer struct{ n map[string]int }

func (f fixedTokenizer) Encode(text string) []int32 {
	ids := make([]int32, f.n[text])
	for i := range ids {
		ids[i] = 7
	}
	return ids
}

func TestEncodePair(t *testing.T) {
	tok := fixedTokenizer{n: map[string]int{"a2": 2, "b1": 1, "a6": 6, "b3": 3}}
	tests := []struct {
		name     string
		a, b     string
		maxLen   int
		wantIDs  []int32
		wantSegs []int32
		wantMask []int32
	}{
		{
			name:     "padded",
			a:        "a2",
			b:        "b1",
			maxLen:   8,
			wantIDs:  []int32{ClsID, 7, 7, SepID, 7, SepID, PadID, PadID},
			wantSegs: []int32{0, 0, 0, 0, 1, 1, 0, 0},
			wantMask: []int32{1, 1, 1, 1, 1, 1, 0, 0},
		},
		{
			name:     "longer sentence trimmed first",
			a:        "a6",
			b:        "b3",
			maxLen:   8,
			wantIDs:  []int32{ClsID, 7, 7, SepID, 7, 7, 7, SepID},
			wantSegs: []int32{0, 0, 0, 0, 1, 1, 1, 1},
			wantMask: []int32{1, 1, 1, 1, 1, 1, 1, 1},
		},
		{
			name:     "only special tokens fit",
			a:        "a6",
			b:        "b3",
			maxLen:   3,
			wantIDs:  []int32{ClsID, SepID, SepID},
			wantSegs: []int32{0, 0, 1},
			wantMask: []int32{1, 1, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, segs, mask := encodePair(tok, tt.a, tt.b, tt.maxLen)
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantSegs, segs)
			assert.Equal(t, tt.wantMask, mask)
		})
	}
}
