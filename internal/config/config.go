package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Paths groups filesystem locations.
type Paths struct {
	// Log is the directory holding the metric log.
	Log string `yaml:"log"`
	// Data is the directory holding the dataset files.
	Data string `yaml:"data"`
	// Mirror optionally names a gs://bucket/prefix the metric log is copied to.
	Mirror string `yaml:"mirror"`
}

// Files names the data/label pairs beneath Paths.Data.
type Files struct {
	TrainData   string `yaml:"train_data"`
	TrainLabels string `yaml:"train_labels"`
	TestData    string `yaml:"test_data"`
	TestLabels  string `yaml:"test_labels"`
}

// Params captures the hyperparameters of a run.
type Params struct {
	EpochCount int     `yaml:"epoch_count"`
	LR         float64 `yaml:"lr"`
	BatchSize  int     `yaml:"batch_size"`
	Seed       int64   `yaml:"seed"`
	Shuffle    bool    `yaml:"shuffle"`
	LogEvery   int     `yaml:"log_every"`
}

// Config captures the runtime knobs for a training run.
type Config struct {
	Paths  Paths  `yaml:"paths"`
	Files  Files  `yaml:"files"`
	Params Params `yaml:"params"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	LogDir     string
	DataDir    string
	Mirror     string
	EpochCount int
	LR         float64
	BatchSize  int
	Seed       int64
	LogEvery   int
}

// Default returns the values used for keys a config file leaves out.
func Default() *Config {
	return &Config{
		Files: Files{
			TrainData:   "train-images-idx3-ubyte.gz",
			TrainLabels: "train-labels-idx1-ubyte.gz",
			TestData:    "t10k-images-idx3-ubyte.gz",
			TestLabels:  "t10k-labels-idx1-ubyte.gz",
		},
		Params: Params{
			Seed:     42,
			Shuffle:  true,
			LogEvery: 50,
		},
	}
}

// Load reads a Config from YAML on top of Default. It does not validate, so
// overrides can fill in missing values first.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func parseYAML(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.LogDir != "" {
		c.Paths.Log = o.LogDir
	}
	if o.DataDir != "" {
		c.Paths.Data = o.DataDir
	}
	if o.Mirror != "" {
		c.Paths.Mirror = o.Mirror
	}
	if o.EpochCount > 0 {
		c.Params.EpochCount = o.EpochCount
	}
	if o.LR > 0 {
		c.Params.LR = o.LR
	}
	if o.BatchSize > 0 {
		c.Params.BatchSize = o.BatchSize
	}
	if o.Seed != 0 {
		c.Params.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.Params.LogEvery = o.LogEvery
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Paths.Log == "" {
		return errors.New("paths.log must be set")
	}
	if c.Paths.Data == "" {
		return errors.New("paths.data must be set")
	}
	info, err := os.Stat(c.Paths.Data)
	if err != nil {
		return fmt.Errorf("paths.data: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("paths.data: %s is not a directory", c.Paths.Data)
	}
	if c.Paths.Mirror != "" && !strings.HasPrefix(c.Paths.Mirror, "gs://") {
		return fmt.Errorf("paths.mirror must be a gs:// URL (got %q)", c.Paths.Mirror)
	}
	files := []struct{ key, name string }{
		{"files.train_data", c.Files.TrainData},
		{"files.train_labels", c.Files.TrainLabels},
		{"files.test_data", c.Files.TestData},
		{"files.test_labels", c.Files.TestLabels},
	}
	for _, f := range files {
		if f.name == "" {
			return fmt.Errorf("%s must be set", f.key)
		}
		path := f.name
		if !filepath.IsAbs(path) {
			path = filepath.Join(c.Paths.Data, path)
		}
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%s: %s is a directory", f.key, path)
		}
	}
	if c.Params.EpochCount <= 0 {
		return fmt.Errorf("epoch_count must be > 0 (got %d)", c.Params.EpochCount)
	}
	if c.Params.LR <= 0 || math.IsNaN(c.Params.LR) || math.IsInf(c.Params.LR, 0) {
		return fmt.Errorf("lr must be a positive number (got %v)", c.Params.LR)
	}
	if c.Params.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.Params.BatchSize)
	}
	if c.Params.LogEvery <= 0 {
		c.Params.LogEvery = 50
	}
	return nil
}
