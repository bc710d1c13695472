package mtbert

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	checkpointMagic   = 20240611
	checkpointVersion = 1
	headerLen         = 256
	maxNameLen        = 1 << 12
	maxTensorLen      = 1 << 30

	// TimestampLayout is the creation time format used in run file names.
	TimestampLayout = "2006-01-02_15-04-05"
)

var (
	ErrBadCheckpoint      = errors.New("bad checkpoint file")
	ErrCheckpointMismatch = errors.New("checkpoint does not match model")
)

// Checkpoint is a snapshot of the model weights, optimizer state and the
// configuration that produced them.
type Checkpoint struct {
	Variant   Variant
	Replicas  int
	Weights   []NamedTensor
	Optimizer OptimizerState
	Config    Config
}

// RunPath returns {dir}/{taskMode}_bert_{timestamp}.{ext}, or the same
// without the extension when ext is empty.
func RunPath(dir, taskMode string, at time.Time, ext string) string {
	name := fmt.Sprintf("%s_bert_%s", taskMode, at.Format(TimestampLayout))
	if ext != "" {
		name += "." + ext
	}
	return filepath.Join(dir, name)
}

// SaveCheckpoint writes ck to path, creating the parent directory. The file
// is written next to path and renamed over it, so readers never see a
// partial checkpoint.
func SaveCheckpoint(path string, ck Checkpoint) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()
	w := bufio.NewWriter(f)
	if err := writeCheckpoint(w, ck); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint.
func LoadCheckpoint(path string) (Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()
	ck, err := readCheckpoint(bufio.NewReader(f))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	return ck, nil
}

func writeCheckpoint(w io.Writer, ck Checkpoint) error {
	cfg, err := yaml.Marshal(ck.Config)
	if err != nil {
		return err
	}
	header := make([]int32, headerLen)
	header[0] = checkpointMagic
	header[1] = checkpointVersion
	header[2] = int32(ck.Variant)
	header[3] = int32(ck.Replicas)
	header[4] = int32(len(ck.Weights))
	header[5] = int32(len(cfg))
	header[6] = int32(ck.Optimizer.Step)
	header[7] = int32(len(ck.Optimizer.M))
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return err
	}
	if _, err := w.Write(cfg); err != nil {
		return err
	}
	for _, t := range ck.Weights {
		if err := writeTensor(w, t); err != nil {
			return fmt.Errorf("tensor %s: %w", t.Name, err)
		}
	}
	for _, v := range []any{ck.Optimizer.LR, ck.Optimizer.M, ck.Optimizer.V} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func writeTensor(w io.Writer, t NamedTensor) error {
	dims := make([]int32, len(t.Dims))
	for i, d := range t.Dims {
		dims[i] = int32(d)
	}
	for _, v := range []any{int32(len(t.Name)), []byte(t.Name), int32(len(dims)), dims, int64(len(t.Data)), t.Data} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func readCheckpoint(r io.Reader) (Checkpoint, error) {
	header := make([]int32, headerLen)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: header: %v", ErrBadCheckpoint, err)
	}
	if header[0] != checkpointMagic {
		return Checkpoint{}, fmt.Errorf("%w: bad magic %d", ErrBadCheckpoint, header[0])
	}
	if header[1] != checkpointVersion {
		return Checkpoint{}, fmt.Errorf("%w: unsupported version %d", ErrBadCheckpoint, header[1])
	}
	ck := Checkpoint{
		Variant:  Variant(header[2]),
		Replicas: int(header[3]),
	}
	if ck.Variant != Bare && ck.Variant != Replicated {
		return Checkpoint{}, fmt.Errorf("%w: unknown variant %d", ErrBadCheckpoint, header[2])
	}
	numTensors, cfgLen, momentLen := int(header[4]), int(header[5]), int(header[7])
	if numTensors < 0 || cfgLen < 0 || momentLen < 0 || momentLen > maxTensorLen {
		return Checkpoint{}, fmt.Errorf("%w: negative or oversized lengths in header", ErrBadCheckpoint)
	}
	cfg := make([]byte, cfgLen)
	if _, err := io.ReadFull(r, cfg); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: config: %v", ErrBadCheckpoint, err)
	}
	if err := yaml.Unmarshal(cfg, &ck.Config); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: config: %v", ErrBadCheckpoint, err)
	}
	for i := 0; i < numTensors; i++ {
		t, err := readTensor(r)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("%w: tensor %d: %v", ErrBadCheckpoint, i, err)
		}
		ck.Weights = append(ck.Weights, t)
	}
	if numTensors > 0 && variantOf(ck.Weights) != ck.Variant {
		return Checkpoint{}, fmt.Errorf("%w: declared %s but tensors are named for %s", ErrBadCheckpoint, ck.Variant, variantOf(ck.Weights))
	}
	ck.Optimizer.Step = int(header[6])
	ck.Optimizer.M = make([]float64, momentLen)
	ck.Optimizer.V = make([]float64, momentLen)
	for _, v := range []any{&ck.Optimizer.LR, ck.Optimizer.M, ck.Optimizer.V} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return Checkpoint{}, fmt.Errorf("%w: optimizer: %v", ErrBadCheckpoint, err)
		}
	}
	if momentLen == 0 {
		ck.Optimizer.M, ck.Optimizer.V = nil, nil
	}
	return ck, nil
}

func readTensor(r io.Reader) (NamedTensor, error) {
	var nameLen int32
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return NamedTensor{}, err
	}
	if nameLen < 0 || nameLen > maxNameLen {
		return NamedTensor{}, fmt.Errorf("name length %d", nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return NamedTensor{}, err
	}
	var ndims int32
	if err := binary.Read(r, binary.LittleEndian, &ndims); err != nil {
		return NamedTensor{}, err
	}
	if ndims < 0 || ndims > 8 {
		return NamedTensor{}, fmt.Errorf("%d dimensions", ndims)
	}
	dims := make([]int32, ndims)
	if err := binary.Read(r, binary.LittleEndian, dims); err != nil {
		return NamedTensor{}, err
	}
	var n int64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return NamedTensor{}, err
	}
	if n < 0 || n > maxTensorLen {
		return NamedTensor{}, fmt.Errorf("%d values", n)
	}
	t := NamedTensor{Name: string(name), Dims: make([]int, ndims), Data: make([]float64, n)}
	for i, d := range dims {
		t.Dims[i] = int(d)
	}
	if err := binary.Read(r, binary.LittleEndian, t.Data); err != nil {
		return NamedTensor{}, err
	}
	return t, nil
}
