package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/quanta/quanta/pkg/aggregate"
	"github.com/quanta/quanta/pkg/execqueue"
	"github.com/quanta/quanta/pkg/frames"
	"github.com/quanta/quanta/pkg/jobs"
	"github.com/quanta/quanta/pkg/registrar"
	"github.com/quanta/quanta/pkg/telemetry"
	"github.com/quanta/quanta/pkg/txn"
)

// Default returns the configuration used for absent keys.
func Default() *Config {
	tel := telemetry.DefaultConfig()
	return &Config{
		Node: NodeConfig{
			Identity: hostname(),
			Roles:    []string{RoleTick, RoleFuse, RoleAssign, RoleAggregate, RoleExecQueue},
		},
		Store: StoreConfig{Path: "quanta.db"},
		Txn: TxnConfig{
			MaxRetries: txn.DefaultMaxRetries,
			Delay:      txn.DefaultDelay,
		},
		Frames: FramesConfig{
			Quantum:      frames.DefaultQuantum,
			PollInterval: frames.DefaultPollInterval,
		},
		Jobs: JobsConfig{PassInterval: jobs.DefaultPassInterval},
		ExecQueue: ExecQueueConfig{
			HighWater:    execqueue.DefaultHighWater,
			DropLimit:    execqueue.DefaultDropLimit,
			PollInterval: execqueue.DefaultPollInterval,
		},
		Aggregate: AggregateConfig{
			Window:          aggregate.DefaultWindow,
			PersistInterval: aggregate.DefaultPersistInterval,
		},
		Registrar: registrar.DefaultConfig(),
		API:       APIConfig{Addr: "127.0.0.1:9464"},
		Telemetry: TelemetryConfig{
			Environment: tel.Environment,
			Logging:     tel.Logging,
			Tracing:     tel.Tracing,
			Metrics:     tel.Metrics,
			Events:      tel.Events,
		},
	}
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "quanta"
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Frames.Quantum%time.Millisecond != 0 {
		return fmt.Errorf("invalid config: frames.quantum must be a whole number of milliseconds, got %s", c.Frames.Quantum)
	}
	if err := c.Telemetry.ToTelemetry("").Validate(); err != nil {
		return fmt.Errorf("invalid config: telemetry: %w", err)
	}
	return nil
}
