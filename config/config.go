// Package config loads run settings from a yaml file over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brensch/santorini/executor/inference"
	"github.com/brensch/santorini/executor/mcts"
	"github.com/brensch/santorini/executor/replay"
	"github.com/brensch/santorini/executor/selfplay"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Search SearchConfig `yaml:"search"`
	Replay ReplayConfig `yaml:"replay"`
	Model  ModelConfig  `yaml:"model"`
	Log    LogConfig    `yaml:"log"`

	Workers int `yaml:"workers"`
	// Games stops self-play after this many games. 0 runs until interrupted.
	Games         int    `yaml:"games"`
	RandomHeights bool   `yaml:"random_heights"`
	Seed          uint64 `yaml:"seed"`

	OutDir        string `yaml:"out_dir"`
	GamesPerFlush int    `yaml:"games_per_flush"`
	// Archive also writes one compact row per game next to the training rows.
	Archive bool `yaml:"archive"`
	// IndexPath is a SQLite file recording which batch holds each game.
	// Empty disables the index.
	IndexPath string `yaml:"index_path"`

	MetricsAddr  string `yaml:"metrics_addr"`
	SpectateAddr string `yaml:"spectate_addr"`
}

type SearchConfig struct {
	Simulations         int     `yaml:"simulations"`
	SamplingMoves       int     `yaml:"sampling_moves"`
	Temperature         float64 `yaml:"temperature"`
	CBase               float64 `yaml:"c_base"`
	CInit               float64 `yaml:"c_init"`
	DirichletAlpha      float64 `yaml:"dirichlet_alpha"`
	ExplorationFraction float64 `yaml:"exploration_fraction"`
}

type ReplayConfig struct {
	WindowSize   int           `yaml:"window_size"`
	MinDrainWait time.Duration `yaml:"min_drain_wait"`
	QueueSize    int           `yaml:"queue_size"`
	BatchSize    int           `yaml:"batch_size"`
}

type ModelConfig struct {
	// Path to an ONNX model. Empty uses the uniform evaluator.
	Path         string        `yaml:"path"`
	Sessions     int           `yaml:"sessions"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	CUDA         bool          `yaml:"cuda"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func Default() Config {
	return Config{
		Search: SearchConfig{
			Simulations:         mcts.DefaultSimulations,
			SamplingMoves:       10,
			Temperature:         mcts.DefaultTemperature,
			CBase:               mcts.DefaultCBase,
			CInit:               mcts.DefaultCInit,
			DirichletAlpha:      mcts.DefaultDirichletAlpha,
			ExplorationFraction: mcts.DefaultExplorationFraction,
		},
		Replay: ReplayConfig{
			WindowSize:   replay.DefaultCapacity,
			MinDrainWait: time.Second,
			QueueSize:    replay.DefaultQueueSize,
			BatchSize:    256,
		},
		Model: ModelConfig{
			Sessions:     1,
			BatchSize:    inference.DefaultBatchSize,
			BatchTimeout: inference.DefaultBatchTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		Workers:       8,
		RandomHeights: false,
		OutDir:        "data/generated",
		GamesPerFlush: 50,
		MetricsAddr:   ":9090",
	}
}

// Load reads path over Default, applies environment overrides and validates.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SANTORINI_MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	if v := os.Getenv("SANTORINI_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Workers = i
		}
	}
	if v := os.Getenv("SANTORINI_SIMULATIONS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Search.Simulations = i
		}
	}
	if v := os.Getenv("SANTORINI_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("search.simulations", c.Search.Simulations)
	positive("replay.window_size", c.Replay.WindowSize)
	positive("replay.queue_size", c.Replay.QueueSize)
	positive("replay.batch_size", c.Replay.BatchSize)
	positive("workers", c.Workers)
	positive("games_per_flush", c.GamesPerFlush)
	positive("model.sessions", c.Model.Sessions)
	positive("model.batch_size", c.Model.BatchSize)

	if c.Replay.QueueSize > 0 && c.Replay.QueueSize < c.Workers {
		errs = append(errs, fmt.Errorf("replay.queue_size (%d) must be at least workers (%d)", c.Replay.QueueSize, c.Workers))
	}
	if c.Search.SamplingMoves < 0 {
		errs = append(errs, fmt.Errorf("search.sampling_moves must not be negative"))
	}
	if c.Search.Temperature <= 0 {
		errs = append(errs, fmt.Errorf("search.temperature must be positive"))
	}
	if c.Search.CBase <= 0 {
		errs = append(errs, fmt.Errorf("search.c_base must be positive"))
	}
	if c.Search.CInit < 0 {
		errs = append(errs, fmt.Errorf("search.c_init must not be negative"))
	}
	if c.Search.ExplorationFraction < 0 || c.Search.ExplorationFraction > 1 {
		errs = append(errs, fmt.Errorf("search.exploration_fraction must be in [0,1], got %g", c.Search.ExplorationFraction))
	}
	if c.Search.ExplorationFraction > 0 && c.Search.DirichletAlpha <= 0 {
		errs = append(errs, fmt.Errorf("search.dirichlet_alpha must be positive when noise is on"))
	}
	if c.Games < 0 {
		errs = append(errs, fmt.Errorf("games must not be negative"))
	}
	if c.Replay.MinDrainWait <= 0 {
		errs = append(errs, fmt.Errorf("replay.min_drain_wait must be positive, got %v", c.Replay.MinDrainWait))
	}
	if c.OutDir == "" {
		errs = append(errs, fmt.Errorf("out_dir is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (c Config) MCTS() mcts.Config {
	return mcts.Config{
		Simulations:         c.Search.Simulations,
		SamplingMoves:       c.Search.SamplingMoves,
		Temperature:         c.Search.Temperature,
		CBase:               c.Search.CBase,
		CInit:               c.Search.CInit,
		DirichletAlpha:      c.Search.DirichletAlpha,
		ExplorationFraction: c.Search.ExplorationFraction,
	}
}

func (c Config) SelfPlay() selfplay.Config {
	return selfplay.Config{
		Workers:       c.Workers,
		Games:         c.Games,
		MinDrainWait:  c.Replay.MinDrainWait,
		WindowSize:    c.Replay.WindowSize,
		QueueSize:     c.Replay.QueueSize,
		RandomHeights: c.RandomHeights,
		Seed:          c.Seed,
	}
}

func (c Config) Onnx() inference.OnnxClientConfig {
	return inference.OnnxClientConfig{
		BatchSize:    c.Model.BatchSize,
		BatchTimeout: c.Model.BatchTimeout,
		CUDA:         c.Model.CUDA,
	}
}
