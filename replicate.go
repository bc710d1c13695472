package mtbert

import (
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Variant tells whether a model is a single encoder or replicated over
// several workers. Replicated state dicts prefix every name with "module.".
type Variant int32

const (
	Bare Variant = iota
	Replicated
)

const replicaPrefix = "module."

func (v Variant) String() string {
	if v == Replicated {
		return "replicated"
	}
	return "bare"
}

// NamedTensor is one entry of a state dict.
type NamedTensor struct {
	Name string
	Dims []int
	Data []float64
}

// Model is a handle on the encoder. A Replicated model splits every batch
// into one shard per replica, runs the shards concurrently and reduces the
// replica gradients into the shared gradient buffer; to the caller it behaves
// like a single forward pass.
type Model struct {
	variant  Variant
	base     *Encoder
	replicas []*Encoder
}

// NewModel wraps enc, replicated when replicas > 1.
func NewModel(enc *Encoder, replicas int) *Model {
	m := &Model{base: enc}
	if replicas > 1 {
		m.Wrap(replicas)
	}
	return m
}

func (m *Model) Variant() Variant {
	return m.variant
}

func (m *Model) Replicas() int {
	if m.variant == Bare {
		return 1
	}
	return len(m.replicas)
}

func (m *Model) Encoder() *Encoder {
	return m.base
}

// Wrap turns the model into a Replicated model over n replicas. Parameters
// are shared, so an optimizer holding Params stays valid.
func (m *Model) Wrap(n int) {
	if n < 2 {
		n = 2
	}
	m.variant = Replicated
	m.replicas = make([]*Encoder, n)
	for i := range m.replicas {
		m.replicas[i] = m.base.replica()
	}
}

// Unwrap turns the model back into a Bare model.
func (m *Model) Unwrap() {
	m.variant = Bare
	m.replicas = nil
}

func (m *Model) Params() []float64 {
	return m.base.Params.Memory
}

func (m *Model) Grads() []float64 {
	return m.base.Grads.Memory
}

func (m *Model) Groups() []ParamGroup {
	return m.base.Params.Groups()
}

func (m *Model) ZeroGrad() {
	m.base.ZeroGrad()
	for _, r := range m.replicas {
		r.ZeroGrad()
	}
}

func (m *Model) Forward(b Batch, train bool) (Outputs, error) {
	if m.variant == Bare {
		return m.base.Forward(b, train)
	}
	k := len(m.replicas)
	outs := make([]Outputs, k)
	var g errgroup.Group
	for i := range m.replicas {
		i := i
		shard := b.shard(i, k)
		g.Go(func() error {
			o, err := m.replicas[i].Forward(shard, train)
			outs[i] = o
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Outputs{}, err
	}
	return gatherOutputs(outs), nil
}

func (m *Model) Backward(grads Outputs) error {
	if m.variant == Bare {
		return m.base.Backward(grads)
	}
	k := len(m.replicas)
	var g errgroup.Group
	for i, r := range m.replicas {
		i, r := i, r
		shard := grads.shard(i, k)
		g.Go(func() error {
			r.ZeroGrad()
			return r.Backward(shard)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, r := range m.replicas {
		floats.Add(m.base.Grads.Memory, r.Grads.Memory)
	}
	return nil
}

// StateDict returns a copy of every parameter tensor, named for the current
// variant.
func (m *Model) StateDict() []NamedTensor {
	prefix := ""
	if m.variant == Replicated {
		prefix = replicaPrefix
	}
	groups := m.Groups()
	out := make([]NamedTensor, 0, len(groups))
	for _, g := range groups {
		data := make([]float64, g.Len)
		copy(data, m.Params()[g.Offset:g.Offset+g.Len])
		out = append(out, NamedTensor{
			Name: prefix + g.Name,
			Dims: append([]int(nil), g.Dims...),
			Data: data,
		})
	}
	return out
}

// LoadStateDict copies weights into the model. Names must match the current
// variant and every tensor must be present with the same size.
func (m *Model) LoadStateDict(weights []NamedTensor) error {
	prefix := ""
	if m.variant == Replicated {
		prefix = replicaPrefix
	}
	byName := make(map[string]NamedTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	groups := m.Groups()
	if len(weights) != len(groups) {
		return fmt.Errorf("%w: %d tensors, model has %d", ErrCheckpointMismatch, len(weights), len(groups))
	}
	for _, g := range groups {
		w, ok := byName[prefix+g.Name]
		if !ok {
			return fmt.Errorf("%w: missing %q", ErrCheckpointMismatch, prefix+g.Name)
		}
		if len(w.Data) != g.Len {
			return fmt.Errorf("%w: %q has %d values, model has %d", ErrCheckpointMismatch, w.Name, len(w.Data), g.Len)
		}
	}
	for _, g := range groups {
		copy(m.Params()[g.Offset:g.Offset+g.Len], byName[prefix+g.Name].Data)
	}
	return nil
}

// Load restores the weights of ck. The checkpoint's declared variant decides
// the shape: a live model of the other variant is re-wrapped to match before
// the weights are copied. A mismatch after that is fatal.
func (m *Model) Load(ck Checkpoint) error {
	if ck.Variant != m.variant {
		klog.Infof("checkpoint holds a %s model, re-wrapping live %s model", ck.Variant, m.variant)
		if ck.Variant == Replicated {
			m.Wrap(ck.Replicas)
		} else {
			m.Unwrap()
		}
	}
	if err := m.LoadStateDict(ck.Weights); err != nil {
		return fmt.Errorf("load %s weights: %w", m.variant, err)
	}
	return nil
}

// variantOf guesses the variant of a state dict from its names.
func variantOf(weights []NamedTensor) Variant {
	if len(weights) > 0 && strings.HasPrefix(weights[0].Name, replicaPrefix) {
		return Replicated
	}
	return Bare
}

// shardRange returns the half-open row range of shard i out of k for n rows.
func shardRange(n, i, k int) (int, int) {
	return i * n / k, (i + 1) * n / k
}

func (b Batch) shard(i, k int) Batch {
	var out Batch
	for _, t := range Tasks {
		tb := b.Task(t)
		if tb == nil {
			continue
		}
		lo, hi := shardRange(tb.Len(), i, k)
		out.set(t, tb.Slice(lo, hi))
	}
	return out
}

func (o Outputs) shard(i, k int) Outputs {
	var out Outputs
	for _, t := range Tasks {
		l := o.Task(t)
		if l.Empty() {
			continue
		}
		lo, hi := shardRange(l.Rows, i, k)
		*out.Task(t) = Logits{Data: l.Data[lo*l.Cols : hi*l.Cols], Rows: hi - lo, Cols: l.Cols}
	}
	return out
}

func gatherOutputs(outs []Outputs) Outputs {
	var out Outputs
	for _, t := range Tasks {
		dst := out.Task(t)
		for i := range outs {
			src := outs[i].Task(t)
			if src.Empty() {
				continue
			}
			dst.Data = append(dst.Data, src.Data...)
			dst.Rows += src.Rows
			dst.Cols = src.Cols
		}
	}
	return out
}
