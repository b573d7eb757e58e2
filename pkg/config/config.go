package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SolverWeights are the soft-objective weights. They are configuration,
// not constants: programs tune them per site.
type SolverWeights struct {
	WorkloadImbalance  float64 `yaml:"workload_imbalance"`
	BackToBack         float64 `yaml:"back_to_back"`
	CallVariance       float64 `yaml:"call_variance"`
	RotationSequencing float64 `yaml:"rotation_sequencing"`
	UncoveredBlock     float64 `yaml:"uncovered_block"`
}

// SolverConfig controls solver behavior
type SolverConfig struct {
	Timeout            time.Duration
	CheckpointInterval int // Iterations between checkpoints
	Weights            SolverWeights
}

// ThrottleConfig controls the concurrency throttler
type ThrottleConfig struct {
	MaxConcurrent int
	MaxQueueSize  int
	QueueTimeout  time.Duration
	Strategy      string // simple, queued, priority, adaptive
}

// HealthConfig controls the health prober
type HealthConfig struct {
	CheckInterval    time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	StaleThreshold   time.Duration
	ProbesPerSecond  float64 // Pacing across the instance set
}

// JobsConfig controls the background job scheduler
type JobsConfig struct {
	MisfireGrace time.Duration
	MaxInstances int
	Coalesce     bool
}

// Config is the root rosterd configuration
type Config struct {
	DataDir  string
	Solver   SolverConfig
	Throttle ThrottleConfig
	Health   HealthConfig
	Jobs     JobsConfig
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		DataDir: "/var/lib/rosterd",
		Solver: SolverConfig{
			Timeout:            5 * time.Minute,
			CheckpointInterval: 100,
			Weights: SolverWeights{
				WorkloadImbalance:  0.40,
				BackToBack:         0.25,
				CallVariance:       0.20,
				RotationSequencing: 0.15,
				UncoveredBlock:     10.0,
			},
		},
		Throttle: ThrottleConfig{
			MaxConcurrent: 100,
			MaxQueueSize:  50,
			QueueTimeout:  30 * time.Second,
			Strategy:      "adaptive",
		},
		Health: HealthConfig{
			CheckInterval:    30 * time.Second,
			ProbeTimeout:     10 * time.Second,
			FailureThreshold: 3,
			StaleThreshold:   5 * time.Minute,
			ProbesPerSecond:  20,
		},
		Jobs: JobsConfig{
			MisfireGrace: 5 * time.Minute,
			MaxInstances: 1,
			Coalesce:     true,
		},
	}
}

// fileConfig is the on-disk YAML schema. Durations are plain seconds so
// operators never guess at unit syntax; zero values keep the default.
type fileConfig struct {
	DataDir string `yaml:"data_dir"`

	Solver struct {
		TimeoutSeconds     int            `yaml:"timeout_seconds"`
		CheckpointInterval int            `yaml:"checkpoint_interval"`
		Weights            *SolverWeights `yaml:"weights"`
	} `yaml:"solver"`

	Throttle struct {
		MaxConcurrent       int    `yaml:"max_concurrent"`
		MaxQueueSize        int    `yaml:"max_queue_size"`
		QueueTimeoutSeconds int    `yaml:"queue_timeout_seconds"`
		Strategy            string `yaml:"strategy"`
	} `yaml:"throttle"`

	Health struct {
		CheckIntervalSeconds  int     `yaml:"check_interval_seconds"`
		ProbeTimeoutSeconds   int     `yaml:"probe_timeout_seconds"`
		FailureThreshold      int     `yaml:"failure_threshold"`
		StaleThresholdSeconds int     `yaml:"stale_threshold_seconds"`
		ProbesPerSecond       float64 `yaml:"probes_per_second"`
	} `yaml:"health"`

	Jobs struct {
		MisfireGraceSeconds int   `yaml:"misfire_grace_seconds"`
		MaxInstances        int   `yaml:"max_instances"`
		Coalesce            *bool `yaml:"coalesce"`
	} `yaml:"jobs"`
}

// Load reads a YAML config file layered over the defaults
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}

	if file.DataDir != "" {
		cfg.DataDir = file.DataDir
	}

	if file.Solver.TimeoutSeconds > 0 {
		cfg.Solver.Timeout = time.Duration(file.Solver.TimeoutSeconds) * time.Second
	}
	if file.Solver.CheckpointInterval > 0 {
		cfg.Solver.CheckpointInterval = file.Solver.CheckpointInterval
	}
	if file.Solver.Weights != nil {
		cfg.Solver.Weights = *file.Solver.Weights
	}

	if file.Throttle.MaxConcurrent > 0 {
		cfg.Throttle.MaxConcurrent = file.Throttle.MaxConcurrent
	}
	if file.Throttle.MaxQueueSize > 0 {
		cfg.Throttle.MaxQueueSize = file.Throttle.MaxQueueSize
	}
	if file.Throttle.QueueTimeoutSeconds > 0 {
		cfg.Throttle.QueueTimeout = time.Duration(file.Throttle.QueueTimeoutSeconds) * time.Second
	}
	if file.Throttle.Strategy != "" {
		cfg.Throttle.Strategy = file.Throttle.Strategy
	}

	if file.Health.CheckIntervalSeconds > 0 {
		cfg.Health.CheckInterval = time.Duration(file.Health.CheckIntervalSeconds) * time.Second
	}
	if file.Health.ProbeTimeoutSeconds > 0 {
		cfg.Health.ProbeTimeout = time.Duration(file.Health.ProbeTimeoutSeconds) * time.Second
	}
	if file.Health.FailureThreshold > 0 {
		cfg.Health.FailureThreshold = file.Health.FailureThreshold
	}
	if file.Health.StaleThresholdSeconds > 0 {
		cfg.Health.StaleThreshold = time.Duration(file.Health.StaleThresholdSeconds) * time.Second
	}
	if file.Health.ProbesPerSecond > 0 {
		cfg.Health.ProbesPerSecond = file.Health.ProbesPerSecond
	}

	if file.Jobs.MisfireGraceSeconds > 0 {
		cfg.Jobs.MisfireGrace = time.Duration(file.Jobs.MisfireGraceSeconds) * time.Second
	}
	if file.Jobs.MaxInstances > 0 {
		cfg.Jobs.MaxInstances = file.Jobs.MaxInstances
	}
	if file.Jobs.Coalesce != nil {
		cfg.Jobs.Coalesce = *file.Jobs.Coalesce
	}

	return cfg, nil
}
