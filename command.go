package mtbert

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

// NewRootCommand builds the mtbert command tree.
func NewRootCommand() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "mtbert",
		Short: "Multi-task training of a shared sentence-pair encoder",
		Long: `
		mtbert trains one encoder on SNLI, STS-B and QNLI at once, with selective
		loss dropout and loss-balanced task weighting, and keeps the checkpoint
		with the best SNLI dev loss.
	`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file, flags override its values")
	defaults := DefaultConfig()
	bindFlags(rootCmd.PersistentFlags(), &defaults)

	goflags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(goflags)
	rootCmd.PersistentFlags().AddGoFlagSet(goflags)

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train, select on dev loss, then report the test result of the best checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, configPath)
			if err != nil {
				return err
			}
			s, err := NewSolver(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Train()
		},
	}

	var ckpt string
	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Evaluate a saved checkpoint on the SNLI test split",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, configPath)
			if err != nil {
				return err
			}
			if ckpt == "" {
				return fmt.Errorf("--ckpt is required")
			}
			s, err := NewSolver(cmd.Context(), cfg, WithCheckpointPath(ckpt))
			if err != nil {
				return err
			}
			defer s.Close()
			_, _, err = s.Test()
			return err
		},
	}
	testCmd.Flags().StringVar(&ckpt, "ckpt", "", "checkpoint to evaluate")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Download the task files missing under the data path",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, configPath)
			if err != nil {
				return err
			}
			return PrepareData(cmd.Context(), cfg.DataPath, cfg.DataURL, cfg.MultiTask)
		},
	}

	rootCmd.AddCommand(trainCmd, testCmd, initCmd)
	return rootCmd
}

// bindFlags registers one flag per config field, defaulting to c.
func bindFlags(fs *pflag.FlagSet, c *Config) {
	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "number of training epochs")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "SNLI examples per batch; auxiliary tasks use the same size")
	fs.Float64Var(&c.LR, "lr", c.LR, "learning rate")
	fs.Float64Var(&c.WeightDecay, "weight_decay", c.WeightDecay, "decoupled weight decay, not applied to biases")
	fs.BoolVar(&c.MultiTask, "multi_task", c.MultiTask, "train STS-B and QNLI alongside SNLI")
	fs.IntVar(&c.NTasksDrop, "n_tasks_drop", c.NTasksDrop, "task losses zeroed per step")
	fs.Float64Var(&c.Alpha, "alpha", c.Alpha, "LBTW exponent, 0 disables it")
	fs.IntVar(&c.WarmupEpochs, "warmup_epochs", c.WarmupEpochs, "epochs before LBTW captures reference losses")
	fs.Float64Var(&c.GradMaxNorm, "grad_max_norm", c.GradMaxNorm, "gradient norm clip, 0 disables it")
	fs.BoolVar(&c.WarmRestart, "warm_restart", c.WarmRestart, "cosine annealing with warm restarts")
	fs.StringVar(&c.GPU, "gpu", c.GPU, `"cpu" or comma separated replica ids`)
	fs.Int64Var(&c.Seed, "seed", c.Seed, "random seed")
	fs.IntVar(&c.LogFractions, "log_fractions", c.LogFractions, "progress lines per epoch")
	fs.StringVar(&c.DataPath, "data_path", c.DataPath, "root of the task files")
	fs.StringVar(&c.DataURL, "data_url", c.DataURL, "base url the task files are downloaded from")
	fs.BoolVar(&c.Download, "download", c.Download, "download missing task files before training")
	fs.StringVar(&c.CkptDir, "ckpt_dir", c.CkptDir, "checkpoint directory")
	fs.StringVar(&c.LogDir, "metrics_dir", c.LogDir, "metrics directory, log_dir in the config file")
	fs.StringVar(&c.Tokenizer, "tokenizer", c.Tokenizer, `"word" or "bpe"`)
	fs.IntVar(&c.MaxSeqLen, "max_seq_len", c.MaxSeqLen, "tokens per sentence pair")
	fs.IntVar(&c.Encoder.VocabSize, "vocab_size", c.Encoder.VocabSize, "encoder vocabulary size")
	fs.IntVar(&c.Encoder.HiddenSize, "hidden_size", c.Encoder.HiddenSize, "encoder hidden size")
	fs.IntVar(&c.Encoder.SNLIClasses, "snli_classes", c.Encoder.SNLIClasses, "SNLI label count")
}

// resolveConfig reads the config file, if any, and applies the flags set on
// the command line over it.
func resolveConfig(cmd *cobra.Command, configPath string) (Config, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = LoadConfig(configPath); err != nil {
			return cfg, err
		}
	}
	overrides := pflag.NewFlagSet("overrides", pflag.ContinueOnError)
	bindFlags(overrides, &cfg)
	var args []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if overrides.Lookup(f.Name) != nil {
			args = append(args, fmt.Sprintf("--%s=%s", f.Name, f.Value.String()))
		}
	})
	if err := overrides.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	defer klog.Flush()
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}
