package mtbert

import (
	"fmt"
	"math"
)

// Task is one supervised objective sharing the encoder.
type Task int

const (
	SNLI Task = iota
	STSB
	QNLI
	numTasks
)

// Tasks lists every task in loss order.
var Tasks = [numTasks]Task{SNLI, STSB, QNLI}

type TaskKind int

const (
	Classification TaskKind = iota
	Regression
)

func (t Task) String() string {
	switch t {
	case SNLI:
		return "SNLI"
	case STSB:
		return "STS-B"
	case QNLI:
		return "QNLI"
	}
	return fmt.Sprintf("Task(%d)", int(t))
}

// Tag is the lower-case name used for directories and metric tags.
func (t Task) Tag() string {
	switch t {
	case SNLI:
		return "snli"
	case STSB:
		return "stsb"
	case QNLI:
		return "qnli"
	}
	return fmt.Sprintf("task%d", int(t))
}

func (t Task) Kind() TaskKind {
	if t == STSB {
		return Regression
	}
	return Classification
}

// Outputs returns the width of the task head: the class count for
// classification tasks and 1 for the regression task.
func (t Task) Outputs(snliClasses int) int {
	switch t {
	case SNLI:
		return snliClasses
	case QNLI:
		return 2
	}
	return 1
}

// Losses holds one scalar loss per task for a single training step.
type Losses struct {
	SNLI float64
	STSB float64
	QNLI float64
}

// LossesFrom builds Losses from values in task order.
func LossesFrom(v [numTasks]float64) Losses {
	return Losses{SNLI: v[SNLI], STSB: v[STSB], QNLI: v[QNLI]}
}

// Values returns the losses in task order.
func (l Losses) Values() [numTasks]float64 {
	return [numTasks]float64{l.SNLI, l.STSB, l.QNLI}
}

func (l Losses) Get(t Task) float64 {
	return l.Values()[t]
}

func (l Losses) Sum() float64 {
	return l.SNLI + l.STSB + l.QNLI
}

// Scales returns, per task, the factor that turns raw into l. It is the
// chain-rule multiplier applied to each task's gradient once the balancers
// have rescaled the loss values. A task whose raw loss is zero or non-finite
// keeps a factor of 1 unless it was zeroed.
func (l Losses) Scales(raw Losses) Losses {
	got, want := l.Values(), raw.Values()
	var out [numTasks]float64
	for i := range out {
		switch {
		case got[i] == 0:
			out[i] = 0
		case want[i] == 0 || !finite(want[i]) || !finite(got[i]):
			out[i] = 1
		default:
			out[i] = got[i] / want[i]
		}
	}
	return LossesFrom(out)
}

func (l Losses) String() string {
	return fmt.Sprintf("(SNLI %.4f, STS-B %.4f, QNLI %.4f)", l.SNLI, l.STSB, l.QNLI)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// crossEntropyLoss returns the mean cross-entropy of logits against integer
// class labels, and the gradient of that mean with respect to the logits.
func crossEntropyLoss(logits Logits, labels []float64) (float64, Logits) {
	B, V := logits.Rows, logits.Cols
	probs := make([]float64, B*V)
	losses := make([]float64, B)
	targets := classTargets(labels)
	softmaxForward(probs, logits.Data, B, V)
	crossEntropyForward(losses, probs, targets, B, V)
	var mean float64
	for _, l := range losses {
		mean += l
	}
	mean /= float64(B)
	dlosses := make([]float64, B)
	for i := range dlosses {
		dlosses[i] = 1.0 / float64(B)
	}
	grad := Logits{Data: make([]float64, B*V), Rows: B, Cols: V}
	crossentropySoftmaxBackward(grad.Data, dlosses, probs, targets, B, V)
	return mean, grad
}

// mseLoss returns the mean squared error of a (B, 1) prediction against
// real-valued labels, and its gradient.
func mseLoss(pred Logits, labels []float64) (float64, Logits) {
	B := pred.Rows
	grad := Logits{Data: make([]float64, B), Rows: B, Cols: 1}
	var mean float64
	for i := 0; i < B; i++ {
		diff := pred.Data[i] - labels[i]
		mean += diff * diff
		grad.Data[i] = 2 * diff / float64(B)
	}
	return mean / float64(B), grad
}

// taskLoss dispatches to the loss function of the task.
func taskLoss(t Task, out Logits, labels []float64) (float64, Logits) {
	if t.Kind() == Regression {
		return mseLoss(out, labels)
	}
	return crossEntropyLoss(out, labels)
}

// correctPredictions counts rows whose argmax equals the label.
func correctPredictions(logits Logits, labels []float64) int {
	var correct int
	for b := 0; b < logits.Rows; b++ {
		if argmax(logits.Row(b)) == int(labels[b]) {
			correct++
		}
	}
	return correct
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// checkClassLabels reports the first label that is not a class id below classes.
func checkClassLabels(labels []float64, classes int) error {
	for i, l := range labels {
		if l != math.Trunc(l) || l < 0 || l >= float64(classes) {
			return fmt.Errorf("row %d: label %v outside %d classes", i, l, classes)
		}
	}
	return nil
}

func classTargets(labels []float64) []int32 {
	targets := make([]int32, len(labels))
	for i, l := range labels {
		targets[i] = int32(l)
	}
	return targets
}
