package config

import (
	"time"

	"github.com/spf13/viper"
)

// WorkerConfig contains all configuration for the worker service.
type WorkerConfig struct {
	Coordinator CoordinatorConnConfig `mapstructure:"coordinator"`
	Slots       SlotsConfig           `mapstructure:"slots"`
	Backend     BackendConfig         `mapstructure:"backend"`
	Storage     StorageConfig         `mapstructure:"storage"`
	Metrics     MetricsConfig         `mapstructure:"metrics"`
	Logging     LoggingConfig         `mapstructure:"logging"`
}

// MetricsConfig exposes the worker's Prometheus metrics. An empty Addr
// disables the endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// CoordinatorConnConfig contains coordinator connection configuration.
type CoordinatorConnConfig struct {
	Addr              string           `mapstructure:"addr"`
	HeartbeatInterval time.Duration    `mapstructure:"heartbeat_interval"`
	GRPC              WorkerGRPCConfig `mapstructure:"grpc"`
}

// WorkerGRPCConfig contains worker gRPC client configuration.
type WorkerGRPCConfig struct {
	KeepaliveTime    time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout"`
}

// SlotsConfig sets how many tasks the worker runs concurrently and which
// resource classes it accepts. Classes are glob patterns.
type SlotsConfig struct {
	Count        int           `mapstructure:"count"`
	Classes      []string      `mapstructure:"classes"`
	PollWait     time.Duration `mapstructure:"poll_wait"`
}

type BackendConfig struct {
	Type      string            `mapstructure:"type"`
	Endpoints map[string]string `mapstructure:"endpoints"`
	Timeout   time.Duration     `mapstructure:"timeout"`
}

// LoadWorker loads the worker configuration from the given path.
// If configPath is empty, it looks for worker.yaml in the config/ directory.
// Environment variables with VOXQ_WORKER_ prefix override config file values.
func LoadWorker(configPath string) (*WorkerConfig, error) {
	v := viper.New()

	v.SetDefault("coordinator.addr", "localhost:9090")
	v.SetDefault("coordinator.heartbeat_interval", 15*time.Second)
	v.SetDefault("coordinator.grpc.keepalive_time", 30*time.Second)
	v.SetDefault("coordinator.grpc.keepalive_timeout", 5*time.Second)
	v.SetDefault("slots.count", 2)
	v.SetDefault("slots.classes", []string{"*"})
	v.SetDefault("slots.poll_wait", 20*time.Second)
	v.SetDefault("backend.type", "echo")
	v.SetDefault("backend.timeout", 5*time.Minute)
	setStorageDefaults(v)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	var cfg WorkerConfig
	if err := load(v, configPath, "worker", "VOXQ_WORKER", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
