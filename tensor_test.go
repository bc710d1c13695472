package mtbert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_tensor_index(t1 *testing.T) {
	type args struct {
		idx []int
	}
	type testCase struct {
		name string
		t    tensor
		args args
		want tensor
	}
	tests := []testCase{
		{
			name: "second row",
			t: tensor{
				data: []float64{1, 2, 3, 4},
				dims: []int{2, 2},
			},
			args: args{
				idx: []int{1},
			},
			want: tensor{
				data: []float64{3, 4},
				dims: []int{2},
			},
		},
		{
			name: "first row",
			t: tensor{
				data: []float64{1, 2, 3, 4},
				dims: []int{2, 2},
			},
			args: args{
				idx: []int{0},
			},
			want: tensor{
				data: []float64{1, 2},
				dims: []int{2},
			},
		},
		{
			name: "two indices",
			t: tensor{
				data: []float64{0, 1, 2, 3, 4, 5, 6, 7},
				dims: []int{2, 2, 2},
			},
			args: args{
				idx: []int{1, 0},
			},
			want: tensor{
				data: []float64{4, 5},
				dims: []int{2},
			},
		},
		{
			name: "leading block",
			t: tensor{
				data: []float64{0, 1, 2, 3, 4, 5, 6, 7},
				dims: []int{2, 2, 2},
			},
			args: args{
				idx: []int{1},
			},
			want: tensor{
				data: []float64{4, 5, 6, 7},
				dims: []int{2, 2},
			},
		},
	}
	for _, tt := range tests {
		t1.Run(tt.name, func(t1 *testing.T) {
			got := tt.t.index(tt.args.idx...)
			assert.Equalf(t1, tt.want, got, "index(%v)", tt.args.idx)
		})
	}
}

func Test_tensor_indexOutOfRange(t *testing.T) {
	tt := tensor{data: []float64{1, 2, 3, 4}, dims: []int{2, 2}}
	assert.Panics(t, func() { tt.index(2) })
	assert.Panics(t, func() { tt.index(0, 0, 0) })
}

func TestNewTensor(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6, 7}
	got, n := newTensor(data, 2, 3)
	assert.Equal(t, 6, n)
	assert.Equal(t, 6, got.size())
	assert.Equal(t, 6, cap(got.Data()))
	assert.Panics(t, func() { newTensor(data, 4, 2) })
}

func TestParameterTensors_Init(t *testing.T) {
	type args struct {
		vocabSize int
		channels  int
		classes   int
	}
	tests := []struct {
		name    string
		args    args
		wantLen int
	}{
		{
			name:    "small",
			args:    args{vocabSize: 10, channels: 4, classes: 3},
			wantLen: 10*4 + 2*4 + 4*4 + 4 + 3*4 + 3 + 4 + 1 + 2*4 + 2,
		},
		{
			name:    "binary snli",
			args:    args{vocabSize: 6, channels: 2, classes: 2},
			wantLen: 6*2 + 2*2 + 2*2 + 2 + 2*2 + 2 + 2 + 1 + 2*2 + 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p ParameterTensors
			p.Init(tt.args.vocabSize, tt.args.channels, tt.args.classes)
			assert.Equal(t, tt.wantLen, p.Len())

			groups := p.Groups()
			require.Len(t, groups, 10)
			offset := 0
			for _, g := range groups {
				assert.Equal(t, offset, g.Offset, g.Name)
				offset += g.Len
			}
			assert.Equal(t, p.Len(), offset)

			w, b := p.head(SNLI)
			assert.Equal(t, []int{tt.args.classes, tt.args.channels}, w.Dims())
			assert.Equal(t, []int{tt.args.classes}, b.Dims())
		})
	}
}

func TestParameterTensors_GroupsDecay(t *testing.T) {
	var p ParameterTensors
	p.Init(8, 2, 3)
	for _, g := range p.Groups() {
		isBias := g.Name[len(g.Name)-len("bias"):] == "bias"
		assert.Equal(t, !isBias, g.Decay, g.Name)
	}
}

func TestParameterTensors_share(t *testing.T) {
	var src, dst ParameterTensors
	src.Init(8, 2, 3)
	dst.share(&src, 8, 2, 3)
	src.PoolerB.Data()[1] = 42
	assert.Equal(t, 42.0, dst.PoolerB.Data()[1])
}
