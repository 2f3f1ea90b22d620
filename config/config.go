// Package config holds the settings an engine is opened with.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"undodb/buffer"
	"undodb/common"
	"undodb/logger"
	"undodb/telemetry"
)

// minBlockSize is the smallest block whose log can hold the boundary and a transaction record with its length
// prefix.
const minBlockSize = 4 * common.IntSize

// Config holds all the configuration of an engine.
type Config struct {
	// Dir is the directory holding the data files and the log.
	Dir string `yaml:"dir"`
	// BlockSize is the size of every block, data and log alike. It cannot change once a database exists.
	BlockSize int `yaml:"block_size"`
	// PoolSize is the number of buffers.
	PoolSize int `yaml:"pool_size"`
	// LogFile is the name of the log file inside Dir.
	LogFile string `yaml:"log_file"`
	// PinTimeout bounds how long a pin waits for a free buffer.
	PinTimeout time.Duration `yaml:"pin_timeout"`
	// Replacer selects the buffer replacement policy: naive, clock, random or lru.
	Replacer string `yaml:"replacer"`
	// CheckpointInterval makes the engine try a checkpoint periodically. Zero disables it.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	Log   logger.Config    `yaml:"log"`
	Trace telemetry.Config `yaml:"trace"`
}

func Default() Config {
	return Config{
		Dir:        "undodb",
		BlockSize:  common.DefaultBlockSize,
		PoolSize:   common.DefaultPoolSize,
		LogFile:    common.DefaultLogFile,
		PinTimeout: common.MaxPinWait,
		Replacer:   "naive",
		Log: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
		},
		Trace: telemetry.Config{ServiceName: telemetry.DefaultServiceName},
	}
}

// Load reads the YAML file at path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Dir == "" {
		errs = append(errs, errors.New("dir must be set"))
	}
	if c.BlockSize < minBlockSize {
		errs = append(errs, fmt.Errorf("block_size must be at least %d, got %d", minBlockSize, c.BlockSize))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("pool_size must be positive, got %d", c.PoolSize))
	}
	if c.LogFile == "" {
		errs = append(errs, errors.New("log_file must be set"))
	}
	if c.PinTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pin_timeout must be positive, got %s", c.PinTimeout))
	}
	if c.CheckpointInterval < 0 {
		errs = append(errs, fmt.Errorf("checkpoint_interval cannot be negative, got %s", c.CheckpointInterval))
	}
	if _, err := buffer.NewReplacer(c.Replacer, 1); err != nil {
		errs = append(errs, err)
	}
	if err := c.Trace.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
