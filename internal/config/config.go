package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"esrgan-forge/internal/checkpoint"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	DataRoots     []string `mapstructure:"data_roots"`
	NumEpoch      int      `mapstructure:"num_epoch"`
	Epoch         int      `mapstructure:"epoch"`
	ImageSize     int      `mapstructure:"image_size"`
	CheckpointDir string   `mapstructure:"checkpoint_dir"`
	LR            float64  `mapstructure:"lr"`
	BatchSize     int      `mapstructure:"batch_size"`
	SampleDir     string   `mapstructure:"sample_dir"`
	NF            int      `mapstructure:"nf"`
	ScaleFactor   int      `mapstructure:"scale_factor"`

	NumWorkers       int    `mapstructure:"num_workers"`
	Seed             int64  `mapstructure:"seed"`
	LogEvery         int    `mapstructure:"log_every"`
	SampleEvery      int    `mapstructure:"sample_every"`
	NumConvBlock     int    `mapstructure:"num_conv_block"`
	DBaseWidth       int    `mapstructure:"d_base_width"`
	CheckpointLayout string `mapstructure:"checkpoint_layout"`
	Device           string `mapstructure:"device"`
	MetricsAddr      string `mapstructure:"metrics_addr"`
	LogLevel         string `mapstructure:"log_level"`
	LogFormat        string `mapstructure:"log_format"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataRoots     []string
	NumEpoch      int
	Epoch         *int
	BatchSize     int
	NumWorkers    int
	Seed          int64
	LR            float64
	CheckpointDir string
	SampleDir     string
	LogEvery      int
	Device        string
}

// EnvPrefix is prepended to environment variable names, e.g. ESRGAN_NUM_EPOCH.
const EnvPrefix = "ESRGAN"

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("data_roots", []string{})
	v.SetDefault("num_epoch", 100)
	v.SetDefault("epoch", 0)
	v.SetDefault("image_size", 128)
	v.SetDefault("checkpoint_dir", "checkpoints")
	v.SetDefault("lr", 2e-4)
	v.SetDefault("batch_size", 16)
	v.SetDefault("sample_dir", "samples")
	v.SetDefault("nf", 64)
	v.SetDefault("scale_factor", 4)
	v.SetDefault("num_workers", 2)
	v.SetDefault("seed", 42)
	v.SetDefault("log_every", 10)
	v.SetDefault("sample_every", 50)
	v.SetDefault("num_conv_block", 7)
	v.SetDefault("d_base_width", 64)
	v.SetDefault("checkpoint_layout", string(checkpoint.LayoutPerNetwork))
	v.SetDefault("device", "auto")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads a Config from an optional YAML file plus environment.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes v into a Config without validating it.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if len(o.DataRoots) > 0 {
		c.DataRoots = o.DataRoots
	}
	if o.NumEpoch > 0 {
		c.NumEpoch = o.NumEpoch
	}
	if o.Epoch != nil {
		c.Epoch = *o.Epoch
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LR > 0 {
		c.LR = o.LR
	}
	if o.CheckpointDir != "" {
		c.CheckpointDir = o.CheckpointDir
	}
	if o.SampleDir != "" {
		c.SampleDir = o.SampleDir
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.Device != "" {
		c.Device = o.Device
	}
}

// Validate verifies the config is runnable and fills soft defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if len(c.DataRoots) == 0 {
		return errors.New("at least one data root must be set")
	}
	if c.NumEpoch <= 0 {
		return fmt.Errorf("num_epoch must be > 0 (got %d)", c.NumEpoch)
	}
	if c.Epoch < 0 || c.Epoch > c.NumEpoch {
		return fmt.Errorf("epoch must be in [0, %d] (got %d)", c.NumEpoch, c.Epoch)
	}
	if c.ScaleFactor <= 0 {
		return fmt.Errorf("scale_factor must be > 0 (got %d)", c.ScaleFactor)
	}
	if c.ImageSize <= 0 || c.ImageSize%c.ScaleFactor != 0 {
		return fmt.Errorf("image_size must be a positive multiple of scale_factor %d (got %d)", c.ScaleFactor, c.ImageSize)
	}
	if c.LR <= 0 {
		return fmt.Errorf("lr must be > 0 (got %g)", c.LR)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NF <= 0 {
		return fmt.Errorf("nf must be > 0 (got %d)", c.NF)
	}
	if c.CheckpointDir == "" {
		return errors.New("checkpoint_dir must be set")
	}
	if c.SampleDir == "" {
		return errors.New("sample_dir must be set")
	}
	if _, err := checkpoint.ParseLayout(c.CheckpointLayout); err != nil {
		return err
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 10
	}
	if c.SampleEvery <= 0 {
		c.SampleEvery = 50
	}
	if c.NumConvBlock <= 0 {
		c.NumConvBlock = 7
	}
	if c.DBaseWidth <= 0 {
		c.DBaseWidth = 64
	}
	return nil
}
