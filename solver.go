package mtbert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// Network is the model as the solver drives it.
type Network interface {
	Forward(b Batch, train bool) (Outputs, error)
	Backward(grads Outputs) error
	Grads() []float64
	StateDict() []NamedTensor
	Load(ck Checkpoint) error
	Variant() Variant
	Replicas() int
}

// TrainingState is owned by the solver for the lifetime of a run.
type TrainingState struct {
	Epoch     int
	BestLoss  float64
	BestAcc   float64
	BestEpoch int

	lossSum  float64
	correct  int
	examples int
}

func NewTrainingState() TrainingState {
	return TrainingState{BestLoss: math.Inf(1)}
}

// Observe records the dev result of epoch and reports whether it strictly
// improved on the best dev loss so far.
func (s *TrainingState) Observe(epoch int, devLoss, devAcc float64) bool {
	if !(devLoss < s.BestLoss) {
		return false
	}
	s.BestLoss = devLoss
	s.BestAcc = devAcc
	s.BestEpoch = epoch
	return true
}

func (s *TrainingState) resetRunning() {
	s.lossSum, s.correct, s.examples = 0, 0, 0
}

func (s *TrainingState) accumulate(batchSize int, loss float64, correct int) {
	s.lossSum += float64(batchSize) * loss
	s.correct += correct
	s.examples += batchSize
}

// Running returns the batch-size weighted loss and the SNLI accuracy since
// the last reset.
func (s *TrainingState) Running() (loss, acc float64) {
	if s.examples == 0 {
		return 0, 0
	}
	return s.lossSum / float64(s.examples), float64(s.correct) / float64(s.examples)
}

// Solver runs multi-task training, evaluation and model selection.
type Solver struct {
	cfg       Config
	device    Device
	model     Network
	optimizer Optimizer
	scheduler Scheduler
	dropout   *LossDropout
	lbtw      *LBTW
	train     Loader
	dev       Loader
	test      Loader
	sink      Sink
	ckptPath  string
	state     TrainingState
	interval  int
	step      int
	now       func() time.Time
}

type solverOptions struct {
	train, dev, test Loader
	net              Network
	opt              Optimizer
	sink             Sink
	rng              *rand.Rand
	now              func() time.Time
	ckptPath         string
}

type SolverOption func(*solverOptions)

// WithLoaders replaces the loaders built from the data path.
func WithLoaders(train, dev, test Loader) SolverOption {
	return func(o *solverOptions) {
		o.train, o.dev, o.test = train, dev, test
	}
}

// WithNetwork replaces the encoder and its optimizer.
func WithNetwork(net Network, opt Optimizer) SolverOption {
	return func(o *solverOptions) {
		o.net, o.opt = net, opt
	}
}

func WithSink(sink Sink) SolverOption {
	return func(o *solverOptions) {
		o.sink = sink
	}
}

// WithRand sets the source used for weight init, shuffling and loss dropout.
func WithRand(rng *rand.Rand) SolverOption {
	return func(o *solverOptions) {
		o.rng = rng
	}
}

func WithClock(now func() time.Time) SolverOption {
	return func(o *solverOptions) {
		o.now = now
	}
}

func WithCheckpointPath(path string) SolverOption {
	return func(o *solverOptions) {
		o.ckptPath = path
	}
}

// NewSolver wires data, model, optimizer, balancers and the metrics sink
// for cfg.
func NewSolver(ctx context.Context, cfg Config, opts ...SolverOption) (*Solver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	device, err := ParseDevice(cfg.GPU)
	if err != nil {
		return nil, err
	}
	var o solverOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(cfg.Seed))
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.train == nil {
		if o.train, o.dev, o.test, err = newLoaders(ctx, cfg, o.rng); err != nil {
			return nil, err
		}
	}
	klog.Infof("#examples: #train %d #dev %d #test %d", o.train.NumExamples(), o.dev.NumExamples(), o.test.NumExamples())

	if o.net == nil {
		enc := NewEncoder(cfg.Encoder, o.rng)
		model := NewModel(enc, device.Replicas())
		adamw, err := NewAdamW(model.Params(), model.Grads(), model.Groups(), cfg.LR, cfg.WeightDecay)
		if err != nil {
			return nil, err
		}
		klog.Infof("device: %s, %s model", device, device.Variant())
		klog.Infof("model:\n%s", model.Encoder())
		o.net, o.opt = model, adamw
	}
	if o.opt == nil {
		return nil, errors.New("a network needs an optimizer")
	}

	start := o.now()
	if o.ckptPath == "" {
		o.ckptPath = RunPath(cfg.CkptDir, cfg.TaskMode(), start, "bin")
	}
	if o.sink == nil {
		sink, err := OpenSQLiteSink(RunPath(cfg.LogDir, cfg.TaskMode(), start, "db"))
		if err != nil {
			return nil, err
		}
		o.sink = sink
	}

	s := &Solver{
		cfg:       cfg,
		device:    device,
		model:     o.net,
		optimizer: o.opt,
		dropout:   NewLossDropout(cfg.NTasksDrop, o.rng),
		lbtw:      NewLBTW(cfg.Alpha, cfg.WarmupEpochs),
		train:     o.train,
		dev:       o.dev,
		test:      o.test,
		sink:      o.sink,
		ckptPath:  o.ckptPath,
		state:     NewTrainingState(),
		now:       o.now,
	}
	if cfg.WarmRestart {
		s.scheduler = NewCosineWarmRestarts(o.opt, float64(o.train.Len()), 0)
	}
	s.interval = 1
	if cfg.LogFractions > 0 {
		if n := o.train.NumExamples() / cfg.BatchSize / cfg.LogFractions; n > 1 {
			s.interval = n
		}
	}
	return s, nil
}

func newLoaders(ctx context.Context, cfg Config, rng *rand.Rand) (train, dev, test Loader, err error) {
	if cfg.Download {
		if err := PrepareData(ctx, cfg.DataPath, cfg.DataURL, cfg.MultiTask); err != nil {
			return nil, nil, nil, err
		}
	}
	tok, err := NewTokenizer(cfg.Tokenizer, cfg.Encoder.VocabSize)
	if err != nil {
		return nil, nil, nil, err
	}
	ds, err := LoadDatasets(ctx, cfg.DataPath, cfg.MultiTask, tok, cfg.MaxSeqLen, cfg.Encoder.SNLIClasses)
	if err != nil {
		return nil, nil, nil, err
	}
	var aux []*Dataset
	if cfg.MultiTask {
		aux = []*Dataset{ds.Train[STSB], ds.Train[QNLI]}
	}
	trainLoader, err := NewDataLoader(ds.Train[SNLI], cfg.BatchSize, rng, aux...)
	if err != nil {
		return nil, nil, nil, err
	}
	devLoader, err := NewDataLoader(ds.Dev, cfg.BatchSize, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	testLoader, err := NewDataLoader(ds.Test, cfg.BatchSize, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	return trainLoader, devLoader, testLoader, nil
}

func (s *Solver) State() TrainingState {
	return s.state
}

func (s *Solver) CheckpointPath() string {
	return s.ckptPath
}

func (s *Solver) Close() error {
	return s.sink.Close()
}

// Train runs every configured epoch, checkpointing on each strict dev loss
// improvement, then evaluates the best checkpoint on the test split.
func (s *Solver) Train() error {
	klog.Info("starting training")
	s.state = NewTrainingState()
	trainStart := s.now()
	for epoch := 1; epoch <= s.cfg.Epochs; epoch++ {
		s.state.Epoch = epoch
		epochStart := s.now()
		klog.Infof("%s Epoch: %d, %s %s", strings.Repeat("-", 20), epoch, epochStart.Format(TimestampLayout), strings.Repeat("-", 20))
		trainLoss, trainAcc, err := s.TrainEpoch(epoch)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		devLoss, devAcc, err := s.EvaluateEpoch(Dev)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		testLoss, testAcc, err := s.EvaluateEpoch(Test)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		if s.state.Observe(epoch, devLoss, devAcc) {
			if err := s.SaveModel(); err != nil {
				return fmt.Errorf("epoch %d: %w", epoch, err)
			}
		}
		klog.Infof("Epoch: %02d/%d, Epoch Training Time: %v, Elapsed Time: %v", epoch, s.cfg.Epochs,
			s.now().Sub(epochStart).Round(time.Millisecond), s.now().Sub(trainStart).Round(time.Millisecond))
		klog.Infof("Train Loss: %.3f, Train Acc: %.3f", trainLoss, trainAcc)
		klog.Infof("Dev Loss: %.3f, Dev Acc: %.4f", devLoss, devAcc)
		klog.Infof("Test Loss: %.3f, Test Acc: %.3f", testLoss, testAcc)
		klog.Infof("Best Dev Loss: %.3f, Best Dev Acc: %.4f, Best Dev Acc Epoch: %02d", s.state.BestLoss, s.state.BestAcc, s.state.BestEpoch)

		for _, sc := range []Scalar{
			{"overall/train_loss", trainLoss, epoch},
			{"overall/dev_loss", devLoss, epoch},
			{"overall/test_loss", testLoss, epoch},
			{"overall/best_dev_loss", s.state.BestLoss, epoch},
			{"snli/train_acc", trainAcc, epoch},
			{"snli/dev_acc", devAcc, epoch},
			{"snli/test_acc", testAcc, epoch},
			{"snli/best_dev_acc", s.state.BestAcc, epoch},
			{"snli/best_dev_acc_epoch", float64(s.state.BestEpoch), epoch},
		} {
			s.scalar(sc.Tag, sc.Value, sc.Step)
		}
	}
	klog.Info("training finished")
	_, _, err := s.Test()
	return err
}

// TrainEpoch makes one pass over the training loader and returns the
// running loss and SNLI accuracy of the epoch.
func (s *Solver) TrainEpoch(epoch int) (float64, float64, error) {
	s.train.Reset()
	s.state.resetRunning()
	numBatches := s.train.Len()
	batchStart := s.now()
	for batchIdx := 0; ; batchIdx++ {
		batch, err := s.train.NextBatch()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}
		out, err := s.model.Forward(batch, true)
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}
		raw, grads, err := s.losses(batch, out)
		if err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}

		if s.scheduler != nil {
			s.scheduler.Step(float64(epoch) + float64(batchIdx)/float64(numBatches))
		}
		s.optimizer.ZeroGrad()
		balanced := raw
		if s.cfg.NTasksDrop > 0 {
			balanced = s.dropout.Apply(balanced)
		}
		if s.cfg.Alpha != 0 && epoch > s.cfg.WarmupEpochs {
			balanced = s.lbtw.Apply(epoch, batchIdx, balanced)
		}
		loss := balanced.Sum()
		scaleOutputs(&grads, balanced.Scales(raw))
		if err := s.model.Backward(grads); err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}
		if s.cfg.GradMaxNorm > 0 {
			ClipGradNorm(s.model.Grads(), s.cfg.GradMaxNorm)
		}
		if err := s.optimizer.Step(); err != nil {
			return 0, 0, fmt.Errorf("batch %d: %w", batchIdx, err)
		}

		s.state.accumulate(batch.SNLI.Len(), loss, correctPredictions(out.SNLI, batch.SNLI.Labels))
		s.step++
		if batchIdx == 0 || (batchIdx+1)%s.interval == 0 {
			klog.Infof("Batch: %05d/%05d, Batch Training Time: %v, Batch Loss: %.3f, Batch SNLI Loss: %.3f, Batch STS-B Loss: %.3f, Batch QNLI Loss: %.3f",
				batchIdx+1, numBatches, s.now().Sub(batchStart).Round(time.Millisecond), loss, balanced.SNLI, balanced.STSB, balanced.QNLI)
			if s.lbtw.Active() {
				klog.V(1).Infof("lbtw weights %v", s.lbtw.Weights(raw))
			}
			s.scalar("batch/loss", loss, s.step)
			s.scalar("batch/snli_loss", balanced.SNLI, s.step)
			s.scalar("batch/stsb_loss", balanced.STSB, s.step)
			s.scalar("batch/qnli_loss", balanced.QNLI, s.step)
			s.scalar("batch/lr", s.optimizer.LR(), s.step)
			batchStart = s.now()
		}
	}
	loss, acc := s.state.Running()
	return loss, acc, nil
}

// losses computes the raw per-task losses and their output gradients.
// Auxiliary tasks stay at 0 in single-task mode.
func (s *Solver) losses(b Batch, out Outputs) (Losses, Outputs, error) {
	if b.SNLI.Len() == 0 {
		return Losses{}, Outputs{}, errors.New("batch has no SNLI examples")
	}
	var raw [numTasks]float64
	var grads Outputs
	for _, t := range Tasks {
		tb := b.Task(t)
		if tb.Len() == 0 || (!s.cfg.MultiTask && t != SNLI) {
			continue
		}
		o := out.Task(t)
		if o.Rows != tb.Len() {
			return Losses{}, Outputs{}, fmt.Errorf("%s: %d outputs for %d examples", t, o.Rows, tb.Len())
		}
		l, g := taskLoss(t, *o, tb.Labels)
		raw[t] = l
		*grads.Task(t) = g
	}
	return LossesFrom(raw), grads, nil
}

// scaleOutputs multiplies each task's output gradient by its scale. Zero
// scales keep the (zeroed) gradient so the backward pass still runs.
func scaleOutputs(grads *Outputs, scales Losses) {
	for _, t := range Tasks {
		g := grads.Task(t)
		k := scales.Get(t)
		if k == 1 {
			continue
		}
		for i := range g.Data {
			g.Data[i] *= k
		}
	}
}

// EvaluateEpoch runs inference over the dev or test split on the SNLI task
// only and returns the example-weighted loss and accuracy.
func (s *Solver) EvaluateEpoch(split Split) (float64, float64, error) {
	loader := s.dev
	if split == Dev {
		klog.Info("evaluating....")
	} else {
		loader = s.test
		klog.Info("testing....")
	}
	loader.Reset()
	var lossSum float64
	var correct, examples int
	for {
		batch, err := loader.NextBatch()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, 0, fmt.Errorf("%s: %w", split, err)
		}
		out, err := s.model.Forward(Batch{SNLI: batch.SNLI}, false)
		if err != nil {
			return 0, 0, fmt.Errorf("%s: %w", split, err)
		}
		n := batch.SNLI.Len()
		if out.SNLI.Rows != n {
			return 0, 0, fmt.Errorf("%s: %d outputs for %d examples", split, out.SNLI.Rows, n)
		}
		loss, _ := crossEntropyLoss(out.SNLI, batch.SNLI.Labels)
		lossSum += float64(n) * loss
		correct += correctPredictions(out.SNLI, batch.SNLI.Labels)
		examples += n
	}
	if examples == 0 {
		return 0, 0, fmt.Errorf("%s: %w", split, ErrEmptyDataset)
	}
	return lossSum / float64(examples), float64(correct) / float64(examples), nil
}

// Test loads the best checkpoint and evaluates it on the test split.
func (s *Solver) Test() (float64, float64, error) {
	if err := s.LoadModel(); err != nil {
		return 0, 0, err
	}
	klog.Info("final result..............")
	loss, acc, err := s.EvaluateEpoch(Test)
	if err != nil {
		return 0, 0, err
	}
	klog.Infof("Test Loss: %.4f, Test Acc: %.4f", loss, acc)
	return loss, acc, nil
}

func (s *Solver) SaveModel() error {
	ck := Checkpoint{
		Variant:   s.model.Variant(),
		Replicas:  s.model.Replicas(),
		Weights:   s.model.StateDict(),
		Optimizer: s.optimizer.State(),
		Config:    s.cfg,
	}
	if err := SaveCheckpoint(s.ckptPath, ck); err != nil {
		return err
	}
	klog.Infof("saved %s", s.ckptPath)
	return nil
}

func (s *Solver) LoadModel() error {
	klog.Infof("load checkpoint %s", s.ckptPath)
	ck, err := LoadCheckpoint(s.ckptPath)
	if err != nil {
		return err
	}
	return s.model.Load(ck)
}

func (s *Solver) scalar(tag string, value float64, step int) {
	if err := s.sink.Scalar(tag, value, step); err != nil {
		klog.Warningf("metrics: %v", err)
	}
}
