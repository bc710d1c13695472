package mtbert

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEncoderConfig = EncoderConfig{VocabSize: 12, HiddenSize: 4, SNLIClasses: 3}

// randomTaskBatch builds n padded rows of random tokens for task.
func randomTaskBatch(rng *rand.Rand, task Task, n, seqLen int, cfg EncoderConfig) *TaskBatch {
	tb := &TaskBatch{}
	for i := 0; i < n; i++ {
		ids := make([]int32, seqLen)
		segs := make([]int32, seqLen)
		mask := make([]int32, seqLen)
		used := 2 + rng.Intn(seqLen-1)
		for j := 0; j < used; j++ {
			ids[j] = int32(rng.Intn(cfg.VocabSize))
			mask[j] = 1
			if j >= used/2 {
				segs[j] = 1
			}
		}
		label := float64(rng.Intn(task.Outputs(cfg.SNLIClasses)))
		if task.Kind() == Regression {
			label = rng.Float64() * 5
		}
		tb.TokenIDs = append(tb.TokenIDs, ids)
		tb.SegmentIDs = append(tb.SegmentIDs, segs)
		tb.Mask = append(tb.Mask, mask)
		tb.Labels = append(tb.Labels, label)
	}
	return tb
}

func randomBatch(rng *rand.Rand, n int, cfg EncoderConfig) Batch {
	return Batch{
		SNLI: randomTaskBatch(rng, SNLI, n, 6, cfg),
		STSB: randomTaskBatch(rng, STSB, n, 6, cfg),
		QNLI: randomTaskBatch(rng, QNLI, n, 6, cfg),
	}
}

// summedLoss runs a training forward pass and returns the sum of the task
// losses with their output gradients.
func summedLoss(t *testing.T, net interface {
	Forward(Batch, bool) (Outputs, error)
}, b Batch) (float64, Outputs) {
	t.Helper()
	out, err := net.Forward(b, true)
	require.NoError(t, err)
	var sum float64
	var grads Outputs
	for _, task := range Tasks {
		tb := b.Task(task)
		if tb.Len() == 0 {
			continue
		}
		l, g := taskLoss(task, *out.Task(task), tb.Labels)
		sum += l
		*grads.Task(task) = g
	}
	return sum, grads
}

func TestNewEncoder(t *testing.T) {
	enc := NewEncoder(testEncoderConfig, rand.New(rand.NewSource(1)))
	assert.Equal(t, enc.Params.Len(), enc.Grads.Len())
	for _, g := range enc.Params.Groups() {
		span := enc.Params.Memory[g.Offset : g.Offset+g.Len]
		if !g.Decay {
			assert.Equal(t, make([]float64, g.Len), span, "%s starts at zero", g.Name)
		}
	}
	assert.Contains(t, enc.String(), "num_parameters: 106")
}

func TestEncoder_Forward(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	enc := NewEncoder(testEncoderConfig, rng)
	b := randomBatch(rng, 4, testEncoderConfig)
	out, err := enc.Forward(b, false)
	require.NoError(t, err)
	assert.Equal(t, Logits{Data: out.SNLI.Data, Rows: 4, Cols: 3}, out.SNLI)
	assert.Equal(t, 1, out.STSB.Cols)
	assert.Equal(t, 2, out.QNLI.Cols)

	// single-task batches leave the other heads empty
	out, err = enc.Forward(Batch{SNLI: b.SNLI}, false)
	require.NoError(t, err)
	assert.True(t, out.STSB.Empty())
	assert.True(t, out.QNLI.Empty())
}

func TestEncoder_ForwardErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	enc := NewEncoder(testEncoderConfig, rng)
	tests := []struct {
		name   string
		task   Task
		mutate func(tb *TaskBatch)
	}{
		{name: "token outside vocabulary", mutate: func(tb *TaskBatch) { tb.TokenIDs[0][0] = 12 }},
		{name: "negative token", mutate: func(tb *TaskBatch) { tb.TokenIDs[1][0] = -1 }},
		{name: "bad segment", mutate: func(tb *TaskBatch) { tb.SegmentIDs[0][1] = 2 }},
		{name: "ragged mask", mutate: func(tb *TaskBatch) { tb.Mask[0] = tb.Mask[0][:2] }},
		{name: "snli label outside classes", mutate: func(tb *TaskBatch) { tb.Labels[0] = 3 }},
		{name: "negative label", mutate: func(tb *TaskBatch) { tb.Labels[1] = -1 }},
		{name: "fractional label", mutate: func(tb *TaskBatch) { tb.Labels[0] = 0.5 }},
		{name: "qnli label outside classes", task: QNLI, mutate: func(tb *TaskBatch) { tb.Labels[1] = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := randomTaskBatch(rng, tt.task, 2, 6, testEncoderConfig)
			tt.mutate(tb)
			var b Batch
			b.set(tt.task, tb)
			_, err := enc.Forward(b, true)
			assert.Error(t, err)
		})
	}

	// regression labels are scores, not class ids
	b := Batch{STSB: randomTaskBatch(rng, STSB, 2, 6, testEncoderConfig)}
	b.STSB.Labels[0] = 4.2
	_, err := enc.Forward(b, true)
	assert.NoError(t, err)
}

func TestCheckClassLabels(t *testing.T) {
	assert.NoError(t, checkClassLabels([]float64{0, 1, 2}, 3))
	assert.NoError(t, checkClassLabels(nil, 2))
	assert.Error(t, checkClassLabels([]float64{0, 2}, 2))
	assert.Error(t, checkClassLabels([]float64{1.5}, 3))
	assert.Error(t, checkClassLabels([]float64{-1}, 3))
}

func TestEncoder_BackwardWithoutActivations(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	enc := NewEncoder(testEncoderConfig, rng)
	b := Batch{SNLI: randomTaskBatch(rng, SNLI, 2, 6, testEncoderConfig)}
	out, err := enc.Forward(b, false)
	require.NoError(t, err)
	_, grads := crossEntropyLoss(out.SNLI, b.SNLI.Labels)
	err = enc.Backward(Outputs{SNLI: grads})
	assert.ErrorIs(t, err, ErrNoActivations)
}

func TestEncoder_BackwardFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	enc := NewEncoder(testEncoderConfig, rng)
	// larger weights so the pooler is not in its linear regime
	for i := range enc.Params.Memory {
		enc.Params.Memory[i] = rng.NormFloat64() * 0.5
	}
	b := randomBatch(rng, 3, testEncoderConfig)

	_, grads := summedLoss(t, enc, b)
	enc.ZeroGrad()
	require.NoError(t, enc.Backward(grads))
	analytic := append([]float64(nil), enc.Grads.Memory...)

	const h = 1e-6
	for i := range enc.Params.Memory {
		orig := enc.Params.Memory[i]
		enc.Params.Memory[i] = orig + h
		up, _ := summedLoss(t, enc, b)
		enc.Params.Memory[i] = orig - h
		down, _ := summedLoss(t, enc, b)
		enc.Params.Memory[i] = orig
		assert.InDelta(t, (up-down)/(2*h), analytic[i], 1e-5, "parameter %d", i)
	}
}

func TestEncoder_ZeroGrad(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	enc := NewEncoder(testEncoderConfig, rng)
	_, grads := summedLoss(t, enc, randomBatch(rng, 2, testEncoderConfig))
	require.NoError(t, enc.Backward(grads))
	enc.ZeroGrad()
	assert.Equal(t, make([]float64, enc.Grads.Len()), enc.Grads.Memory)
}
