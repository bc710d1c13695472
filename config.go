package mtbert

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is everything a training run needs. It is loaded from YAML and
// overridden by command line flags.
type Config struct {
	Epochs      int     `yaml:"epochs"`
	BatchSize   int     `yaml:"batch_size"`
	LR          float64 `yaml:"lr"`
	WeightDecay float64 `yaml:"weight_decay"`
	MultiTask   bool    `yaml:"multi_task"`
	// NTasksDrop task losses are zeroed on every step.
	NTasksDrop int `yaml:"n_tasks_drop"`
	// Alpha is the LBTW exponent; 0 disables LBTW.
	Alpha float64 `yaml:"alpha"`
	// WarmupEpochs pass before LBTW captures its reference losses.
	WarmupEpochs int `yaml:"warmup_epochs"`
	// GradMaxNorm clips the gradient norm; 0 disables clipping.
	GradMaxNorm float64 `yaml:"grad_max_norm"`
	WarmRestart bool    `yaml:"warm_restart"`
	// GPU is the device spec: "cpu" or a comma separated list of replica ids.
	GPU          string `yaml:"gpu"`
	Seed         int64  `yaml:"seed"`
	LogFractions int    `yaml:"log_fractions"`

	DataPath  string `yaml:"data_path"`
	DataURL   string `yaml:"data_url"`
	Download  bool   `yaml:"download"`
	CkptDir   string `yaml:"ckpt_dir"`
	LogDir    string `yaml:"log_dir"`
	Tokenizer string `yaml:"tokenizer"`
	MaxSeqLen int    `yaml:"max_seq_len"`

	Encoder EncoderConfig `yaml:"encoder"`
}

func DefaultConfig() Config {
	return Config{
		Epochs:       10,
		BatchSize:    32,
		LR:           2e-5,
		WeightDecay:  0.01,
		MultiTask:    true,
		WarmupEpochs: 1,
		GPU:          "cpu",
		Seed:         21,
		LogFractions: 30,
		DataPath:     "data",
		CkptDir:      "ckpt",
		LogDir:       "logger",
		Tokenizer:    "word",
		MaxSeqLen:    128,
		Encoder: EncoderConfig{
			VocabSize:   30522,
			HiddenSize:  128,
			SNLIClasses: 3,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Epochs < 1:
		return fmt.Errorf("%w: epochs must be positive", ErrInvalidConfig)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: batch_size must be positive", ErrInvalidConfig)
	case c.LR <= 0:
		return fmt.Errorf("%w: lr must be positive", ErrInvalidConfig)
	case c.NTasksDrop < 0:
		return fmt.Errorf("%w: n_tasks_drop must not be negative", ErrInvalidConfig)
	case c.Alpha < 0:
		return fmt.Errorf("%w: alpha must not be negative", ErrInvalidConfig)
	case c.WarmupEpochs < 0:
		return fmt.Errorf("%w: warmup_epochs must not be negative", ErrInvalidConfig)
	case c.GradMaxNorm < 0:
		return fmt.Errorf("%w: grad_max_norm must not be negative", ErrInvalidConfig)
	case c.MaxSeqLen < 3:
		return fmt.Errorf("%w: max_seq_len must fit [CLS] and two [SEP]", ErrInvalidConfig)
	case c.Encoder.VocabSize <= int(numReserved):
		return fmt.Errorf("%w: vocab_size too small", ErrInvalidConfig)
	case c.Encoder.HiddenSize < 1:
		return fmt.Errorf("%w: hidden_size must be positive", ErrInvalidConfig)
	case c.Encoder.SNLIClasses < 2:
		return fmt.Errorf("%w: snli_classes must be at least 2", ErrInvalidConfig)
	}
	if _, err := ParseDevice(c.GPU); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// TaskMode is "multi_task" or "single_task".
func (c Config) TaskMode() string {
	if c.MultiTask {
		return "multi_task"
	}
	return "single_task"
}
