package mtbert

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

var ErrEmptyDataset = errors.New("dataset has no examples")

// ErrLabelRange is returned for a class label the task head cannot score.
var ErrLabelRange = errors.New("label outside the task's classes")

// Split names a dataset partition.
type Split string

const (
	Train Split = "train"
	Dev   Split = "dev"
	Test  Split = "test"
)

// Example is one encoded sentence pair.
type Example struct {
	TokenIDs   []int32
	SegmentIDs []int32
	Mask       []int32
	Label      float64 // class index, or score for regression
}

// TaskBatch holds the encoded inputs and labels of one task for one step.
type TaskBatch struct {
	TokenIDs   [][]int32
	SegmentIDs [][]int32
	Mask       [][]int32
	Labels     []float64
}

func (b *TaskBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Labels)
}

// Slice returns rows [lo, hi) sharing memory with b.
func (b *TaskBatch) Slice(lo, hi int) *TaskBatch {
	return &TaskBatch{
		TokenIDs:   b.TokenIDs[lo:hi],
		SegmentIDs: b.SegmentIDs[lo:hi],
		Mask:       b.Mask[lo:hi],
		Labels:     b.Labels[lo:hi],
	}
}

func newTaskBatch(examples []Example) *TaskBatch {
	return &TaskBatch{
		TokenIDs:   lo.Map(examples, func(e Example, _ int) []int32 { return e.TokenIDs }),
		SegmentIDs: lo.Map(examples, func(e Example, _ int) []int32 { return e.SegmentIDs }),
		Mask:       lo.Map(examples, func(e Example, _ int) []int32 { return e.Mask }),
		Labels:     lo.Map(examples, func(e Example, _ int) float64 { return e.Label }),
	}
}

// Batch carries one TaskBatch per task. Single-task and evaluation batches
// only carry SNLI.
type Batch struct {
	SNLI *TaskBatch
	STSB *TaskBatch
	QNLI *TaskBatch
}

func (b Batch) Task(t Task) *TaskBatch {
	switch t {
	case SNLI:
		return b.SNLI
	case STSB:
		return b.STSB
	default:
		return b.QNLI
	}
}

func (b *Batch) set(t Task, tb *TaskBatch) {
	switch t {
	case SNLI:
		b.SNLI = tb
	case STSB:
		b.STSB = tb
	default:
		b.QNLI = tb
	}
}

// Dataset is one split of one task.
type Dataset struct {
	Task     Task
	Split    Split
	Examples []Example
}

func (d *Dataset) Len() int {
	return len(d.Examples)
}

// ReadDataset parses a tab separated file with a header row and the columns
// sentence1, sentence2, label. SNLI rows without a gold label ("-") are
// skipped. Class labels must fall below the task's output width, which for
// SNLI is snliClasses.
func ReadDataset(r io.Reader, task Task, split Split, tok Tokenizer, maxSeqLen, snliClasses int) (*Dataset, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", task, split, err)
	}
	ds := &Dataset{Task: task, Split: split}
	for i, rec := range records {
		if i == 0 {
			continue
		}
		if len(rec) < 3 {
			return nil, fmt.Errorf("%s %s line %d: want 3 columns, got %d", task, split, i+1, len(rec))
		}
		label, ok, err := parseLabel(task, strings.TrimSpace(rec[2]), task.Outputs(snliClasses))
		if err != nil {
			return nil, fmt.Errorf("%s %s line %d: %w", task, split, i+1, err)
		}
		if !ok {
			continue
		}
		ids, segs, mask := encodePair(tok, rec[0], rec[1], maxSeqLen)
		ds.Examples = append(ds.Examples, Example{TokenIDs: ids, SegmentIDs: segs, Mask: mask, Label: label})
	}
	if len(ds.Examples) == 0 {
		return nil, fmt.Errorf("%s %s: %w", task, split, ErrEmptyDataset)
	}
	return ds, nil
}

var snliLabels = map[string]float64{"entailment": 0, "neutral": 1, "contradiction": 2}
var qnliLabels = map[string]float64{"entailment": 0, "not_entailment": 1}

func parseLabel(task Task, s string, classes int) (float64, bool, error) {
	if task == STSB {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, fmt.Errorf("bad score %q: %w", s, err)
		}
		return f, true, nil
	}
	if task == SNLI && s == "-" {
		return 0, false, nil
	}
	names := snliLabels
	if task == QNLI {
		names = qnliLabels
	}
	l, ok := names[s]
	if !ok {
		// numeric class ids are accepted for classification tasks
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, false, fmt.Errorf("unknown %s label %q", task, s)
		}
		l = float64(n)
	}
	if err := checkClassLabels([]float64{l}, classes); err != nil {
		return 0, false, fmt.Errorf("%s label %q: %w", task, s, ErrLabelRange)
	}
	return l, true, nil
}

// datasetFile is the location of a split under the data root.
func datasetFile(root string, task Task, split Split) string {
	return filepath.Join(root, task.Tag(), string(split)+".tsv")
}

// Datasets holds every split the solver needs.
type Datasets struct {
	Train [numTasks]*Dataset // STSB and QNLI are nil in single-task mode
	Dev   *Dataset
	Test  *Dataset
}

type datasetSpec struct {
	task  Task
	split Split
}

// requiredDatasets lists the files read for the given mode.
func requiredDatasets(multiTask bool) []datasetSpec {
	specs := []datasetSpec{{SNLI, Train}, {SNLI, Dev}, {SNLI, Test}}
	if multiTask {
		specs = append(specs, datasetSpec{STSB, Train}, datasetSpec{QNLI, Train})
	}
	return specs
}

// LoadDatasets reads and encodes every required split concurrently.
func LoadDatasets(ctx context.Context, root string, multiTask bool, tok Tokenizer, maxSeqLen, snliClasses int) (*Datasets, error) {
	specs := requiredDatasets(multiTask)
	loaded := make([]*Dataset, len(specs))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range specs {
		i, s := i, s
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := os.Open(datasetFile(root, s.task, s.split))
			if err != nil {
				return err
			}
			defer f.Close()
			ds, err := ReadDataset(f, s.task, s.split, tok, maxSeqLen, snliClasses)
			loaded[i] = ds
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := &Datasets{}
	for _, ds := range loaded {
		switch ds.Split {
		case Train:
			out.Train[ds.Task] = ds
		case Dev:
			out.Dev = ds
		case Test:
			out.Test = ds
		}
	}
	return out, nil
}

// Loader iterates a split batch by batch. One full pass, ending in io.EOF,
// is one epoch.
type Loader interface {
	Len() int
	NumExamples() int
	Reset()
	NextBatch() (Batch, error)
}

// DataLoader batches a primary SNLI dataset. In multi-task mode every batch
// also carries equally sized STS-B and QNLI batches drawn cyclically from
// their own datasets.
type DataLoader struct {
	primary   *Dataset
	aux       []*Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	batches   [][]int
	current   int
	auxOrder  [][]int
	auxPos    []int
}

// NewDataLoader builds a loader over primary; aux datasets are added to
// every batch. A nil rng disables shuffling.
func NewDataLoader(primary *Dataset, batchSize int, rng *rand.Rand, aux ...*Dataset) (*DataLoader, error) {
	if primary == nil || primary.Len() == 0 {
		return nil, ErrEmptyDataset
	}
	if batchSize < 1 {
		return nil, errors.New("batch size must be positive")
	}
	loader := &DataLoader{
		primary:   primary,
		batchSize: batchSize,
		shuffle:   rng != nil,
		rng:       rng,
	}
	for _, ds := range aux {
		if ds == nil || ds.Len() == 0 {
			return nil, fmt.Errorf("auxiliary dataset: %w", ErrEmptyDataset)
		}
		loader.aux = append(loader.aux, ds)
		loader.auxOrder = append(loader.auxOrder, loader.order(ds.Len()))
		loader.auxPos = append(loader.auxPos, 0)
	}
	loader.Reset()
	return loader, nil
}

func (loader *DataLoader) order(n int) []int {
	if loader.shuffle {
		return loader.rng.Perm(n)
	}
	return lo.Range(n)
}

// Len is the number of batches per epoch, counting a final partial batch.
func (loader *DataLoader) Len() int {
	return (loader.primary.Len() + loader.batchSize - 1) / loader.batchSize
}

func (loader *DataLoader) NumExamples() int {
	return loader.primary.Len()
}

// Reset starts a new epoch, reshuffling when enabled.
func (loader *DataLoader) Reset() {
	loader.batches = lo.Chunk(loader.order(loader.primary.Len()), loader.batchSize)
	loader.current = 0
}

func (loader *DataLoader) NextBatch() (Batch, error) {
	if loader.current >= len(loader.batches) {
		return Batch{}, io.EOF
	}
	idx := loader.batches[loader.current]
	loader.current++
	b := Batch{}
	b.set(loader.primary.Task, newTaskBatch(pick(loader.primary.Examples, idx)))
	for i, ds := range loader.aux {
		b.set(ds.Task, newTaskBatch(loader.nextAux(i, len(idx))))
	}
	return b, nil
}

// nextAux draws n examples from auxiliary dataset i, wrapping around (and
// reshuffling) when it runs out.
func (loader *DataLoader) nextAux(i, n int) []Example {
	ds := loader.aux[i]
	out := make([]Example, 0, n)
	for len(out) < n {
		if loader.auxPos[i] >= len(loader.auxOrder[i]) {
			loader.auxOrder[i] = loader.order(ds.Len())
			loader.auxPos[i] = 0
		}
		out = append(out, ds.Examples[loader.auxOrder[i][loader.auxPos[i]]])
		loader.auxPos[i]++
	}
	return out
}

func pick(examples []Example, idx []int) []Example {
	return lo.Map(idx, func(i int, _ int) Example { return examples[i] })
}
