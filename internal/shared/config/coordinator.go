package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// CoordinatorConfig contains all configuration for the coordinator service.
type CoordinatorConfig struct {
	REST         RESTConfig         `mapstructure:"rest"`
	GRPC         GRPCConfig         `mapstructure:"grpc"`
	Health       HealthConfig       `mapstructure:"health"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Auth         AuthConfig         `mapstructure:"auth"`
	LocalWorkers LocalWorkersConfig `mapstructure:"local_workers"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// RESTConfig contains REST API server configuration.
type RESTConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// GRPCConfig contains gRPC server configuration.
type GRPCConfig struct {
	Addr              string        `mapstructure:"addr"`
	KeepaliveMinTime  time.Duration `mapstructure:"keepalive_min_time"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxPullWait       time.Duration `mapstructure:"max_pull_wait"`
}

// HealthConfig controls the reaper that expires leases, reservations,
// overdue jobs and stale workers.
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	StaleTimeout  time.Duration `mapstructure:"stale_timeout"`
}

// DatabaseConfig selects the job store. The memory driver keeps nothing
// across restarts.
type DatabaseConfig struct {
	Driver        string        `mapstructure:"driver"`
	DSN           string        `mapstructure:"dsn"`
	MaxOpenConns  int           `mapstructure:"max_open_conns"`
	MaxIdleConns  int           `mapstructure:"max_idle_conns"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
}

// DispatchConfig contains resource classes, their concurrency budgets and
// the routing of job types onto them.
type DispatchConfig struct {
	Classes        map[string]int `mapstructure:"classes"`
	Routing        RoutingConfig  `mapstructure:"routing"`
	AgingThreshold time.Duration  `mapstructure:"aging_threshold"`
	LeaseDuration  time.Duration  `mapstructure:"lease_duration"`
	AttemptLimit   int            `mapstructure:"attempt_limit"`
}

type RoutingConfig struct {
	NMT              string   `mapstructure:"nmt"`
	ASRPrimary       string   `mapstructure:"asr_primary"`
	ASRFallback      string   `mapstructure:"asr_fallback"`
	PrimaryLanguages []string `mapstructure:"primary_languages"`
}

// RateLimitConfig contains the global bucket and the quota applied to
// identities that do not carry their own.
type RateLimitConfig struct {
	GlobalRate  float64       `mapstructure:"global_rate"`
	GlobalBurst int           `mapstructure:"global_burst"`
	Requests    int           `mapstructure:"requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Burst       int           `mapstructure:"burst"`
}

// WebhookConfig contains completion callback delivery settings.
type WebhookConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseBackoff   time.Duration `mapstructure:"base_backoff"`
	MaxBackoff    time.Duration `mapstructure:"max_backoff"`
	Workers       int           `mapstructure:"workers"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type JobsConfig struct {
	MaxItems       int           `mapstructure:"max_items"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	Retention      time.Duration `mapstructure:"retention"`
}

// AuthConfig seeds API identities at startup.
type AuthConfig struct {
	Identities []IdentityConfig `mapstructure:"identities"`
}

// IdentityConfig describes one API key. Either Key or KeyHash must be set;
// a plain Key is hashed before it is stored.
type IdentityConfig struct {
	ID        string        `mapstructure:"id"`
	Name      string        `mapstructure:"name"`
	Key       string        `mapstructure:"key"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	KeyHash   string        `mapstructure:"key_hash"`
	Scopes    []string      `mapstructure:"scopes"`
	Requests  int           `mapstructure:"requests"`
	Interval  time.Duration `mapstructure:"interval"`
	Burst     int           `mapstructure:"burst"`
	ExpiresAt *time.Time    `mapstructure:"expires_at"`
}

// LocalWorkersConfig runs slots inside the coordinator process.
type LocalWorkersConfig struct {
	Slots   int      `mapstructure:"slots"`
	Classes []string `mapstructure:"classes"`
	Backend string   `mapstructure:"backend"`
}

// LoadCoordinator loads the coordinator configuration from the given path.
// If configPath is empty, it looks for coordinator.yaml in the config/ directory.
// Environment variables with VOXQ_COORDINATOR_ prefix override config file values.
func LoadCoordinator(configPath string) (*CoordinatorConfig, error) {
	v := viper.New()

	v.SetDefault("rest.addr", ":8080")
	v.SetDefault("rest.read_timeout", 15*time.Second)
	v.SetDefault("rest.write_timeout", 60*time.Second)
	v.SetDefault("rest.idle_timeout", 60*time.Second)
	v.SetDefault("rest.max_body_bytes", 64<<20)
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("grpc.keepalive_min_time", 30*time.Second)
	v.SetDefault("grpc.heartbeat_interval", 15*time.Second)
	v.SetDefault("grpc.max_pull_wait", 30*time.Second)
	v.SetDefault("health.check_interval", 5*time.Second)
	v.SetDefault("health.stale_timeout", 45*time.Second)
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.slow_threshold", 500*time.Millisecond)
	setStorageDefaults(v)
	v.SetDefault("dispatch.classes", map[string]int{
		"asr-whisper": 2,
		"asr-omni":    1,
		"nmt-cpu":     2,
	})
	v.SetDefault("dispatch.routing.nmt", "nmt-cpu")
	v.SetDefault("dispatch.routing.asr_primary", "asr-whisper")
	v.SetDefault("dispatch.routing.asr_fallback", "asr-omni")
	v.SetDefault("dispatch.routing.primary_languages", []string{"en", "hi"})
	v.SetDefault("dispatch.aging_threshold", 5*time.Minute)
	v.SetDefault("dispatch.lease_duration", 60*time.Second)
	v.SetDefault("dispatch.attempt_limit", 3)
	v.SetDefault("ratelimit.global_rate", 100.0)
	v.SetDefault("ratelimit.global_burst", 200)
	v.SetDefault("ratelimit.requests", 60)
	v.SetDefault("ratelimit.interval", time.Minute)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.base_backoff", time.Second)
	v.SetDefault("webhook.max_backoff", 30*time.Second)
	v.SetDefault("webhook.workers", 4)
	v.SetDefault("webhook.sweep_interval", 30*time.Second)
	v.SetDefault("jobs.max_items", 1000)
	v.SetDefault("jobs.default_timeout", 0)
	v.SetDefault("jobs.retention", 7*24*time.Hour)
	v.SetDefault("local_workers.slots", 0)
	v.SetDefault("local_workers.classes", []string{"*"})
	v.SetDefault("local_workers.backend", "echo")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	var cfg CoordinatorConfig
	if err := load(v, configPath, "coordinator", "VOXQ_COORDINATOR", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *CoordinatorConfig) Validate() error {
	if len(c.Dispatch.Classes) == 0 {
		return fmt.Errorf("dispatch.classes: at least one resource class is required")
	}
	for class, budget := range c.Dispatch.Classes {
		if budget < 1 {
			return fmt.Errorf("dispatch.classes.%s: budget must be positive, got %d", class, budget)
		}
	}
	r := c.Dispatch.Routing
	for _, class := range []string{r.NMT, r.ASRPrimary, r.ASRFallback} {
		if _, ok := c.Dispatch.Classes[class]; !ok {
			return fmt.Errorf("dispatch.routing: class %q has no budget", class)
		}
	}
	if c.Dispatch.LeaseDuration <= 0 {
		return fmt.Errorf("dispatch.lease_duration must be positive")
	}
	if c.Dispatch.AttemptLimit < 1 {
		return fmt.Errorf("dispatch.attempt_limit must be at least 1")
	}
	switch c.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver)
	}
	switch c.Storage.Driver {
	case "memory", "minio":
	default:
		return fmt.Errorf("storage.driver: unsupported driver %q", c.Storage.Driver)
	}
	return nil
}
