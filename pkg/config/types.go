package config

import (
	"time"

	"github.com/quanta/quanta/pkg/registrar"
	"github.com/quanta/quanta/pkg/telemetry"
)

// Role names accepted in node.roles.
const (
	RoleTick      = "tick"
	RoleFuse      = "fuse"
	RoleAssign    = "assign"
	RoleIngest    = "ingest"
	RoleAggregate = "aggregate"
	RoleExecQueue = "execqueue"
)

// Config is a node configuration file.
type Config struct {
	Node      NodeConfig       `yaml:"node"`
	Store     StoreConfig      `yaml:"store"`
	Txn       TxnConfig        `yaml:"txn"`
	Frames    FramesConfig     `yaml:"frames"`
	Jobs      JobsConfig       `yaml:"jobs"`
	ExecQueue ExecQueueConfig  `yaml:"execqueue"`
	Aggregate AggregateConfig  `yaml:"aggregate"`
	Registrar registrar.Config `yaml:"registrar"`
	API       APIConfig        `yaml:"api"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

// NodeConfig names the node and the roles it runs.
type NodeConfig struct {
	Identity string   `yaml:"identity" validate:"required"`
	Roles    []string `yaml:"roles" validate:"dive,oneof=tick fuse assign ingest aggregate execqueue"`
}

// Enabled reports whether role is listed in Roles.
func (n NodeConfig) Enabled(role string) bool {
	for _, r := range n.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// StoreConfig locates the transactional store.
type StoreConfig struct {
	Path         string `yaml:"path" validate:"required"`
	MaxOpenConns int    `yaml:"max_open_conns" validate:"gte=0"`
}

// TxnConfig configures the retry protocol.
type TxnConfig struct {
	MaxRetries int           `yaml:"max_retries" validate:"gte=0"`
	Delay      time.Duration `yaml:"delay" validate:"gte=0"`
}

// FramesConfig configures frame cadence.
type FramesConfig struct {
	Quantum      time.Duration `yaml:"quantum" validate:"gte=1ms"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
}

// JobsConfig configures the job center.
type JobsConfig struct {
	PassInterval time.Duration `yaml:"pass_interval" validate:"gte=0"`
}

// ExecQueueConfig configures load shedding.
type ExecQueueConfig struct {
	HighWater    int           `yaml:"high_water" validate:"gte=0"`
	DropLimit    int           `yaml:"drop_limit" validate:"gte=1"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gte=0"`
}

// AggregateConfig configures the aggregate window and its persistence.
type AggregateConfig struct {
	Window          int           `yaml:"window" validate:"gte=1"`
	PersistInterval time.Duration `yaml:"persist_interval" validate:"gte=0"`
}

// APIConfig configures the admin HTTP surface. An empty Addr disables it.
type APIConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`

	// CORSOrigins lists origins allowed to read the API from a browser.
	CORSOrigins []string `yaml:"cors_origins" validate:"dive,required"`
}

// TelemetryConfig is the file form of telemetry.Config.
type TelemetryConfig struct {
	Environment string                  `yaml:"environment"`
	Logging     telemetry.LoggingConfig `yaml:"logging"`
	Tracing     telemetry.TracingConfig `yaml:"tracing"`
	Metrics     telemetry.MetricsConfig `yaml:"metrics"`
	Events      telemetry.EventsConfig  `yaml:"events"`
}

// ToTelemetry builds the telemetry configuration for a process of version.
func (t TelemetryConfig) ToTelemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if t.Environment != "" {
		cfg.Environment = t.Environment
	}
	cfg.Logging = t.Logging
	cfg.Tracing = t.Tracing
	cfg.Metrics = t.Metrics
	cfg.Events = t.Events
	return cfg
}
