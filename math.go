package mtbert

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// encoderForward averages the token and segment embeddings of every unmasked
// position into one C-dimensional vector per example. counts receives the
// number of unmasked positions per example.
func encoderForward(out, counts []float64, tokens, segments, mask [][]int32, wte, wse tensor, C int) {
	for b := range tokens {
		outB := out[b*C : (b+1)*C]
		for i := range outB {
			outB[i] = 0
		}
		var n float64
		for t, tok := range tokens[b] {
			if mask[b][t] == 0 {
				continue
			}
			floats.Add(outB, wte.index(int(tok)).data)
			floats.Add(outB, wse.index(int(segments[b][t])).data)
			n++
		}
		if n > 0 {
			floats.Scale(1/n, outB)
		}
		counts[b] = n
	}
}

// encoderBackward scatters dout back into the embedding rows that were
// averaged in the forward pass.
func encoderBackward(dwte, dwse tensor, dout, counts []float64, tokens, segments, mask [][]int32, C int) {
	for b := range tokens {
		if counts[b] == 0 {
			continue
		}
		doutB := dout[b*C : (b+1)*C]
		scale := 1 / counts[b]
		for t, tok := range tokens[b] {
			if mask[b][t] == 0 {
				continue
			}
			floats.AddScaled(dwte.index(int(tok)).data, scale, doutB)
			floats.AddScaled(dwse.index(int(segments[b][t])).data, scale, doutB)
		}
	}
}

// matmulForward computes out = inp · weightᵀ + bias for B rows of C inputs
// and OC outputs. weight is (OC, C).
func matmulForward(out, inp, weight, bias []float64, B, C, OC int) {
	for b := 0; b < B; b++ {
		inpB := inp[b*C : (b+1)*C]
		outB := out[b*OC : (b+1)*OC]
		for o := 0; o < OC; o++ {
			var val float64
			if bias != nil {
				val = bias[o]
			}
			outB[o] = val + floats.Dot(inpB, weight[o*C:(o+1)*C])
		}
	}
}

// matmulBackward accumulates the gradients of matmulForward. dinp and dbias
// may be nil when they are not needed.
func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float64, B, C, OC int) {
	for b := 0; b < B; b++ {
		inpB := inp[b*C : (b+1)*C]
		doutB := dout[b*OC : (b+1)*OC]
		for o := 0; o < OC; o++ {
			d := doutB[o]
			if d == 0 {
				continue
			}
			if dinp != nil {
				floats.AddScaled(dinp[b*C:(b+1)*C], d, weight[o*C:(o+1)*C])
			}
			floats.AddScaled(dweight[o*C:(o+1)*C], d, inpB)
			if dbias != nil {
				dbias[o] += d
			}
		}
	}
}

func tanhForward(out, inp []float64) {
	for i := range inp {
		out[i] = math.Tanh(inp[i])
	}
}

// tanhBackward uses the forward output: d/dx tanh(x) = 1 - tanh(x)².
func tanhBackward(dinp, out, dout []float64) {
	for i := range dout {
		dinp[i] += dout[i] * (1 - out[i]*out[i])
	}
}

func softmaxForward(probs, logits []float64, B, V int) {
	for b := 0; b < B; b++ {
		logitsB := logits[b*V : (b+1)*V]
		probsB := probs[b*V : (b+1)*V]
		// numerical stability
		maxval := floats.Max(logitsB)
		var sum float64
		for i := range logitsB {
			probsB[i] = math.Exp(logitsB[i] - maxval)
			sum += probsB[i]
		}
		floats.Scale(1/sum, probsB)
	}
}

func crossEntropyForward(losses, probs []float64, targets []int32, B, V int) {
	for b := 0; b < B; b++ {
		prob := probs[b*V+int(targets[b])]
		losses[b] = -math.Log(math.Max(prob, 1e-12))
	}
}

func crossentropySoftmaxBackward(dlogits, dlosses, probs []float64, targets []int32, B, V int) {
	for b := 0; b < B; b++ {
		dlogitsB := dlogits[b*V : (b+1)*V]
		probsB := probs[b*V : (b+1)*V]
		dloss := dlosses[b]
		ix := int(targets[b])
		for i := 0; i < V; i++ {
			var indicator float64
			if i == ix {
				indicator = 1.0
			}
			dlogitsB[i] += (probsB[i] - indicator) * dloss
		}
	}
}
