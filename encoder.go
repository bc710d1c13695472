package mtbert

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

// ErrNoActivations is returned by Backward when no training forward pass
// was run for a task.
var ErrNoActivations = errors.New("no activations, forward with train before backward")

// Logits is a row-major (Rows, Cols) block of task outputs.
type Logits struct {
	Data []float64
	Rows int
	Cols int
}

func (l Logits) Row(i int) []float64 {
	return l.Data[i*l.Cols : (i+1)*l.Cols]
}

func (l Logits) Empty() bool {
	return l.Rows == 0
}

// Outputs holds the per-task results of one forward pass. Tasks that were
// not part of the batch are empty.
type Outputs struct {
	SNLI Logits
	STSB Logits
	QNLI Logits
}

func (o *Outputs) Task(t Task) *Logits {
	switch t {
	case SNLI:
		return &o.SNLI
	case STSB:
		return &o.STSB
	default:
		return &o.QNLI
	}
}

// EncoderConfig holds the hyper-parameters of the encoder.
type EncoderConfig struct {
	VocabSize   int `yaml:"vocab_size"`
	HiddenSize  int `yaml:"hidden_size"`
	SNLIClasses int `yaml:"snli_classes"`
}

// Encoder is the shared-encoder multi-task network: averaged token and
// segment embeddings, a tanh pooler, and one linear head per task.
type Encoder struct {
	Config EncoderConfig
	Params ParameterTensors
	Grads  ParameterTensors
	acts   [numTasks]*activations
}

// activations of one task for the last training forward pass.
type activations struct {
	batch    *TaskBatch
	embedded []float64 // (B, C)
	counts   []float64 // (B)
	hidden   []float64 // (B, C)
}

// NewEncoder builds an encoder with small random weights drawn from rng.
func NewEncoder(cfg EncoderConfig, rng *rand.Rand) *Encoder {
	e := &Encoder{Config: cfg}
	e.Params.Init(cfg.VocabSize, cfg.HiddenSize, cfg.SNLIClasses)
	e.Grads.Init(cfg.VocabSize, cfg.HiddenSize, cfg.SNLIClasses)
	for i := range e.Params.Memory {
		e.Params.Memory[i] = rng.NormFloat64() * 0.02
	}
	for _, g := range e.Params.Groups() {
		if !g.Decay {
			zero(e.Params.Memory[g.Offset : g.Offset+g.Len])
		}
	}
	return e
}

// replica returns an encoder sharing e's parameters with its own gradient
// and activation buffers.
func (e *Encoder) replica() *Encoder {
	r := &Encoder{Config: e.Config}
	r.Params.share(&e.Params, e.Config.VocabSize, e.Config.HiddenSize, e.Config.SNLIClasses)
	r.Grads.Init(e.Config.VocabSize, e.Config.HiddenSize, e.Config.SNLIClasses)
	return r
}

func (e *Encoder) String() string {
	var s strings.Builder
	s.WriteString("[MultiTaskBert]\n")
	fmt.Fprintf(&s, "vocab_size: %d\n", e.Config.VocabSize)
	fmt.Fprintf(&s, "hidden_size: %d\n", e.Config.HiddenSize)
	fmt.Fprintf(&s, "snli_classes: %d\n", e.Config.SNLIClasses)
	fmt.Fprintf(&s, "num_parameters: %d\n", e.Params.Len())
	return s.String()
}

// Forward runs every task present in b. With train set, activations are kept
// for Backward.
func (e *Encoder) Forward(b Batch, train bool) (Outputs, error) {
	var out Outputs
	for _, t := range Tasks {
		tb := b.Task(t)
		if tb == nil || tb.Len() == 0 {
			e.acts[t] = nil
			continue
		}
		if err := e.checkBatch(t, tb); err != nil {
			return Outputs{}, fmt.Errorf("%s forward: %w", t, err)
		}
		logits, acts := e.forwardTask(t, tb)
		*out.Task(t) = logits
		if train {
			e.acts[t] = acts
		} else {
			e.acts[t] = nil
		}
	}
	return out, nil
}

func (e *Encoder) forwardTask(t Task, tb *TaskBatch) (Logits, *activations) {
	B, C := tb.Len(), e.Config.HiddenSize
	OC := t.Outputs(e.Config.SNLIClasses)
	acts := &activations{
		batch:    tb,
		embedded: make([]float64, B*C),
		counts:   make([]float64, B),
		hidden:   make([]float64, B*C),
	}
	p := &e.Params
	encoderForward(acts.embedded, acts.counts, tb.TokenIDs, tb.SegmentIDs, tb.Mask, p.WordEmbed, p.SegmentEmbed, C)
	pre := make([]float64, B*C)
	matmulForward(pre, acts.embedded, p.PoolerW.Data(), p.PoolerB.Data(), B, C, C)
	tanhForward(acts.hidden, pre)
	w, bias := p.head(t)
	logits := Logits{Data: make([]float64, B*OC), Rows: B, Cols: OC}
	matmulForward(logits.Data, acts.hidden, w.Data(), bias.Data(), B, C, OC)
	return logits, acts
}

// Backward accumulates into Grads the gradients of the losses whose output
// gradients are given in grads. Tasks with empty gradients are skipped.
func (e *Encoder) Backward(grads Outputs) error {
	for _, t := range Tasks {
		g := grads.Task(t)
		if g.Empty() {
			continue
		}
		acts := e.acts[t]
		if acts == nil {
			return fmt.Errorf("%s backward: %w", t, ErrNoActivations)
		}
		if g.Rows != acts.batch.Len() {
			return fmt.Errorf("%s backward: gradient has %d rows, batch has %d", t, g.Rows, acts.batch.Len())
		}
		e.backwardTask(t, acts, *g)
	}
	return nil
}

func (e *Encoder) backwardTask(t Task, acts *activations, dlogits Logits) {
	tb := acts.batch
	B, C := tb.Len(), e.Config.HiddenSize
	p, g := &e.Params, &e.Grads
	w, _ := p.head(t)
	dw, db := g.head(t)
	dhidden := make([]float64, B*C)
	matmulBackward(dhidden, dw.Data(), db.Data(), dlogits.Data, acts.hidden, w.Data(), B, C, dlogits.Cols)
	dpre := make([]float64, B*C)
	tanhBackward(dpre, acts.hidden, dhidden)
	dembedded := make([]float64, B*C)
	matmulBackward(dembedded, g.PoolerW.Data(), g.PoolerB.Data(), dpre, acts.embedded, p.PoolerW.Data(), B, C, C)
	encoderBackward(g.WordEmbed, g.SegmentEmbed, dembedded, acts.counts, tb.TokenIDs, tb.SegmentIDs, tb.Mask, C)
}

func (e *Encoder) ZeroGrad() {
	zero(e.Grads.Memory)
}

func (e *Encoder) checkBatch(t Task, tb *TaskBatch) error {
	if len(tb.SegmentIDs) != len(tb.TokenIDs) || len(tb.Mask) != len(tb.TokenIDs) {
		return errors.New("token, segment and mask rows differ")
	}
	if len(tb.Labels) != len(tb.TokenIDs) {
		return fmt.Errorf("%d labels for %d rows", len(tb.Labels), len(tb.TokenIDs))
	}
	if t.Kind() == Classification {
		if err := checkClassLabels(tb.Labels, t.Outputs(e.Config.SNLIClasses)); err != nil {
			return err
		}
	}
	for b, row := range tb.TokenIDs {
		if len(tb.SegmentIDs[b]) != len(row) || len(tb.Mask[b]) != len(row) {
			return fmt.Errorf("row %d: token, segment and mask lengths differ", b)
		}
		for i, tok := range row {
			if tok < 0 || int(tok) >= e.Config.VocabSize {
				return fmt.Errorf("row %d: token id %d outside vocabulary of %d", b, tok, e.Config.VocabSize)
			}
			if s := tb.SegmentIDs[b][i]; s != 0 && s != 1 {
				return fmt.Errorf("row %d: segment id %d", b, s)
			}
		}
	}
	return nil
}

func zero(s []float64) {
	for i := range s {
		s[i] = 0
	}
}
