package mtbert

type tensor struct {
	data []float64
	dims []int
}

func (t tensor) Data() []float64 {
	return t.data
}

func (t tensor) Dims() []int {
	return t.dims
}

func newTensor(data []float64, dims ...int) (tensor, int) {
	s := 1
	for _, d := range dims {
		s *= d
	}
	if s > len(data) {
		panic("dimensions larger than supplied data")
	}
	return tensor{
		data: data[:s:s],
		dims: dims,
	}, s
}

func (t tensor) size() int {
	size := 1
	for _, dim := range t.dims {
		size *= dim
	}
	return size
}

// index returns the sub-tensor addressed by the leading indices, sharing
// memory with t.
func (t tensor) index(idx ...int) tensor {
	if len(idx) > len(t.dims) {
		panic("too many indices for tensor dimensions")
	}
	offset := 0
	for i, ix := range idx {
		if ix < 0 || ix >= t.dims[i] {
			panic("index out of bounds")
		}
		offset = offset*t.dims[i] + ix
	}
	newDims := t.dims[len(idx):]
	sub := 1
	for _, d := range newDims {
		sub *= d
	}
	offset *= sub
	return tensor{
		data: t.data[offset : offset+sub],
		dims: newDims,
	}
}

// ParameterTensors are the parameters of the encoder. Memory backs every
// tensor so the optimizer and checkpoints can treat the model as one slice.
type ParameterTensors struct {
	Memory       []float64
	WordEmbed    tensor // (V, C) token embeddings
	SegmentEmbed tensor // (2, C) sentence A / sentence B embeddings
	PoolerW      tensor // (C, C) pooler projection
	PoolerB      tensor // (C)
	SNLIHeadW    tensor // (N, C) SNLI classifier
	SNLIHeadB    tensor // (N)
	STSBHeadW    tensor // (1, C) STS-B regressor
	STSBHeadB    tensor // (1)
	QNLIHeadW    tensor // (2, C) QNLI classifier
	QNLIHeadB    tensor // (2)
}

// Init lays out the tensors for vocabulary size V, hidden size C and N SNLI
// classes over a freshly allocated Memory.
func (p *ParameterTensors) Init(V, C, N int) {
	p.Memory = make([]float64,
		V*C+ // WordEmbed
			2*C+ // SegmentEmbed
			C*C+ // PoolerW
			C+ // PoolerB
			N*C+ // SNLIHeadW
			N+ // SNLIHeadB
			C+ // STSBHeadW
			1+ // STSBHeadB
			2*C+ // QNLIHeadW
			2, // QNLIHeadB
	)
	p.bind(V, C, N)
}

// share points p at the same Memory as src.
func (p *ParameterTensors) share(src *ParameterTensors, V, C, N int) {
	p.Memory = src.Memory
	p.bind(V, C, N)
}

func (p *ParameterTensors) bind(V, C, N int) {
	var ptr int
	memPtr := p.Memory
	p.WordEmbed, ptr = newTensor(memPtr, V, C)
	memPtr = memPtr[ptr:]
	p.SegmentEmbed, ptr = newTensor(memPtr, 2, C)
	memPtr = memPtr[ptr:]
	p.PoolerW, ptr = newTensor(memPtr, C, C)
	memPtr = memPtr[ptr:]
	p.PoolerB, ptr = newTensor(memPtr, C)
	memPtr = memPtr[ptr:]
	p.SNLIHeadW, ptr = newTensor(memPtr, N, C)
	memPtr = memPtr[ptr:]
	p.SNLIHeadB, ptr = newTensor(memPtr, N)
	memPtr = memPtr[ptr:]
	p.STSBHeadW, ptr = newTensor(memPtr, 1, C)
	memPtr = memPtr[ptr:]
	p.STSBHeadB, ptr = newTensor(memPtr, 1)
	memPtr = memPtr[ptr:]
	p.QNLIHeadW, ptr = newTensor(memPtr, 2, C)
	memPtr = memPtr[ptr:]
	p.QNLIHeadB, ptr = newTensor(memPtr, 2)
	memPtr = memPtr[ptr:]
	if len(memPtr) != 0 {
		panic("parameter layout does not cover memory")
	}
}

func (p *ParameterTensors) Len() int {
	return len(p.Memory)
}

// head returns the weight and bias of the output head for task t.
func (p *ParameterTensors) head(t Task) (w, b tensor) {
	switch t {
	case SNLI:
		return p.SNLIHeadW, p.SNLIHeadB
	case STSB:
		return p.STSBHeadW, p.STSBHeadB
	default:
		return p.QNLIHeadW, p.QNLIHeadB
	}
}

// ParamGroup is a named span of the parameter memory.
type ParamGroup struct {
	Name   string
	Offset int
	Len    int
	Dims   []int
	Decay  bool // subject to weight decay
}

// Groups returns every tensor in state dict order with its offset into
// Memory. Biases are excluded from weight decay.
func (p *ParameterTensors) Groups() []ParamGroup {
	named := []struct {
		name  string
		t     tensor
		decay bool
	}{
		{"encoder.word_embeddings", p.WordEmbed, true},
		{"encoder.segment_embeddings", p.SegmentEmbed, true},
		{"encoder.pooler.weight", p.PoolerW, true},
		{"encoder.pooler.bias", p.PoolerB, false},
		{"snli_head.weight", p.SNLIHeadW, true},
		{"snli_head.bias", p.SNLIHeadB, false},
		{"stsb_head.weight", p.STSBHeadW, true},
		{"stsb_head.bias", p.STSBHeadB, false},
		{"qnli_head.weight", p.QNLIHeadW, true},
		{"qnli_head.bias", p.QNLIHeadB, false},
	}
	groups := make([]ParamGroup, 0, len(named))
	var offset int
	for _, n := range named {
		groups = append(groups, ParamGroup{
			Name:   n.name,
			Offset: offset,
			Len:    n.t.size(),
			Dims:   n.t.Dims(),
			Decay:  n.decay,
		})
		offset += n.t.size()
	}
	return groups
}
