package mtbert

import (
	"math"
	"math/rand"
	"time"

	"k8s.io/klog/v2"
)

// LossDropout zeroes a random subset of task losses on every call so that no
// single task drives every update.
type LossDropout struct {
	n   int
	rng *rand.Rand
}

// NewLossDropout drops n task losses per call. A nil rng is replaced with a
// time-seeded source.
func NewLossDropout(n int, rng *rand.Rand) *LossDropout {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if n < 0 {
		n = 0
	}
	return &LossDropout{n: n, rng: rng}
}

// Apply replaces exactly min(n, 3) distinct positions, chosen uniformly
// without replacement, with 0.
func (d *LossDropout) Apply(l Losses) Losses {
	if d.n == 0 {
		return l
	}
	v := l.Values()
	if d.n >= len(v) {
		klog.Warningf("loss dropout drops %d of %d tasks, step has no gradient", d.n, len(v))
		return Losses{}
	}
	for _, i := range d.rng.Perm(len(v))[:d.n] {
		v[i] = 0
	}
	return LossesFrom(v)
}

// LBTW is Loss-Balanced Task Weighting. Once active, each task loss is
// multiplied by (L_i / L0_i)^alpha where L0_i is the loss seen on the first
// batch after the warm-up epochs.
type LBTW struct {
	alpha   float64
	warmup  int
	initial Losses
	active  bool
}

func NewLBTW(alpha float64, warmupEpochs int) *LBTW {
	return &LBTW{alpha: alpha, warmup: warmupEpochs}
}

// Active reports whether the reference losses have been captured.
func (w *LBTW) Active() bool {
	return w.active
}

// Initial returns the captured reference losses.
func (w *LBTW) Initial() (Losses, bool) {
	return w.initial, w.active
}

// Apply returns the weighted losses. It is the identity for alpha == 0,
// during warm-up, and until the first batch of the first post-warm-up epoch
// has been observed.
func (w *LBTW) Apply(epoch, batchIdx int, l Losses) Losses {
	if w.alpha == 0 || epoch <= w.warmup {
		return l
	}
	if !w.active {
		if batchIdx != 0 {
			return l
		}
		w.initial = l
		w.active = true
		klog.V(1).Infof("lbtw: reference losses %v", l)
	}
	weights := w.Weights(l).Values()
	v := l.Values()
	for i := range v {
		v[i] *= weights[i]
	}
	return LossesFrom(v)
}

// Weights returns the per-task weights for l. All weights are 1 before the
// balancer is active.
func (w *LBTW) Weights(l Losses) Losses {
	out := [numTasks]float64{1, 1, 1}
	if !w.active || w.alpha == 0 {
		return LossesFrom(out)
	}
	cur, ref := l.Values(), w.initial.Values()
	for i := range out {
		// non-finite, zero or missing values keep weight 1
		if !finite(cur[i]) || cur[i] == 0 || !finite(ref[i]) || ref[i] == 0 {
			continue
		}
		out[i] = math.Pow(cur[i]/ref[i], w.alpha)
	}
	return LossesFrom(out)
}
