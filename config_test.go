package mtbert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := `
epochs: 3
multi_task: false
alpha: 0.5
n_tasks_drop: 1
gpu: "0,1"
encoder:
  hidden_size: 16
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	want := DefaultConfig()
	want.Epochs = 3
	want.MultiTask = false
	want.Alpha = 0.5
	want.NTasksDrop = 1
	want.GPU = "0,1"
	want.Encoder.HiddenSize = 16
	assert.Equal(t, want, cfg)
	assert.Equal(t, "single_task", cfg.TaskMode())

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte("epochs: [1"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("epochs: 0"), 0o644))
	_, err = LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "zero epochs", mutate: func(c *Config) { c.Epochs = 0 }, wantErr: true},
		{name: "zero batch", mutate: func(c *Config) { c.BatchSize = 0 }, wantErr: true},
		{name: "zero lr", mutate: func(c *Config) { c.LR = 0 }, wantErr: true},
		{name: "negative drop", mutate: func(c *Config) { c.NTasksDrop = -1 }, wantErr: true},
		{name: "drop every task", mutate: func(c *Config) { c.NTasksDrop = 3 }},
		{name: "negative alpha", mutate: func(c *Config) { c.Alpha = -1 }, wantErr: true},
		{name: "negative warm-up", mutate: func(c *Config) { c.WarmupEpochs = -1 }, wantErr: true},
		{name: "negative clip", mutate: func(c *Config) { c.GradMaxNorm = -1 }, wantErr: true},
		{name: "short sequences", mutate: func(c *Config) { c.MaxSeqLen = 2 }, wantErr: true},
		{name: "tiny vocab", mutate: func(c *Config) { c.Encoder.VocabSize = 4 }, wantErr: true},
		{name: "no hidden units", mutate: func(c *Config) { c.Encoder.HiddenSize = 0 }, wantErr: true},
		{name: "one class", mutate: func(c *Config) { c.Encoder.SNLIClasses = 1 }, wantErr: true},
		{name: "bad device", mutate: func(c *Config) { c.GPU = "gpu0" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParseDevice(t *testing.T) {
	tests := []struct {
		spec     string
		want     []int
		replicas int
		variant  Variant
		wantErr  bool
	}{
		{spec: "cpu", replicas: 1, variant: Bare},
		{spec: "", replicas: 1, variant: Bare},
		{spec: "CPU", replicas: 1, variant: Bare},
		{spec: "0", want: []int{0}, replicas: 1, variant: Bare},
		{spec: "0, 2,3", want: []int{0, 2, 3}, replicas: 3, variant: Replicated},
		{spec: "0,0", wantErr: true},
		{spec: "-1", wantErr: true},
		{spec: "a,b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			d, err := ParseDevice(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.IDs)
			assert.Equal(t, tt.replicas, d.Replicas())
			assert.Equal(t, tt.variant, d.Variant())
			assert.NotEmpty(t, d.String())
		})
	}
}
