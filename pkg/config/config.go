// Package config loads switch-service settings. SWITCH_* environment
// variables override the YAML file, which overrides the built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/wangjinchao-pacvue/switch-service/pkg/health"
	"github.com/wangjinchao-pacvue/switch-service/pkg/reconciler"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
	"github.com/wangjinchao-pacvue/switch-service/pkg/watch"
)

// EnvPrefix prefixes every environment override, e.g. SWITCH_EUREKA_HOST
const EnvPrefix = "SWITCH"

// ServerConfig is the HTTP listener
type ServerConfig struct {
	Address string `mapstructure:"address"`
}

// LogConfig selects level and format
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// ProxyConfig tunes every proxy listener
type ProxyConfig struct {
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// ReconcileConfig schedules the state sweep
type ReconcileConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Config is the complete service configuration
type Config struct {
	Server        ServerConfig               `mapstructure:"server"`
	DataDir       string                     `mapstructure:"data_dir"`
	Log           LogConfig                  `mapstructure:"log"`
	Eureka        types.EurekaConfig         `mapstructure:"eureka"`
	Health        health.Config              `mapstructure:"health"`
	RegistryWatch watch.Config               `mapstructure:"registry_watch"`
	Proxy         ProxyConfig                `mapstructure:"proxy"`
	PortRange     types.PortRange            `mapstructure:"port_range"`
	Reconcile     ReconcileConfig            `mapstructure:"reconcile"`
	Retention     reconciler.RetentionConfig `mapstructure:"retention"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":3000")
	v.SetDefault("data_dir", "./switch-data")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	eureka := types.DefaultEurekaConfig()
	v.SetDefault("eureka.host", eureka.Host)
	v.SetDefault("eureka.port", eureka.Port)
	v.SetDefault("eureka.service_path", eureka.ServicePath)
	v.SetDefault("eureka.heartbeat_interval", eureka.HeartbeatInterval)
	v.SetDefault("eureka.timeout", eureka.Timeout)
	v.SetDefault("eureka.instance_ip", "")

	h := health.DefaultConfig()
	v.SetDefault("health.enabled", h.Enabled)
	v.SetDefault("health.interval", h.Interval)
	v.SetDefault("health.window_size", h.WindowSize)
	v.SetDefault("health.consecutive_failures", h.ConsecutiveFailures)
	v.SetDefault("health.failure_rate", h.FailureRate)
	v.SetDefault("health.min_samples", h.MinSamples)
	v.SetDefault("health.min_success_interval", h.MinSuccessInterval)
	v.SetDefault("health.max_restart_attempts", h.MaxRestartAttempts)
	v.SetDefault("health.recovery_base_delay", h.RecoveryBaseDelay)
	v.SetDefault("health.recovery_step_delay", h.RecoveryStepDelay)

	w := watch.DefaultConfig()
	v.SetDefault("registry_watch.interval", w.Interval)
	v.SetDefault("registry_watch.max_unavailable", w.MaxUnavailable)
	v.SetDefault("registry_watch.cooldown", w.Cooldown)

	v.SetDefault("proxy.grace_period", 10*time.Second)
	v.SetDefault("proxy.max_body_bytes", 4096)
	v.SetDefault("port_range.start", 4000)
	v.SetDefault("port_range.end", 4100)
	v.SetDefault("reconcile.interval", 60*time.Second)

	r := reconciler.DefaultRetentionConfig()
	v.SetDefault("retention.schedule", r.Schedule)
	v.SetDefault("retention.heartbeat_max_age", r.HeartbeatMaxAge)
	v.SetDefault("retention.heartbeats_per_service", r.HeartbeatsPerService)
	v.SetDefault("retention.request_logs_per_service", r.RequestLogsPerService)
}

// Load reads the configuration. An empty path looks for switch.yaml in the
// working directory and tolerates its absence; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("switch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate rejects settings the components cannot run with
func (c *Config) Validate() error {
	switch {
	case c.Server.Address == "":
		return errors.New("server.address is required")
	case c.DataDir == "":
		return errors.New("data_dir is required")
	case c.Eureka.Host == "" || c.Eureka.Port <= 0:
		return errors.New("eureka.host and eureka.port are required")
	case c.Eureka.HeartbeatInterval <= 0:
		return errors.New("eureka.heartbeat_interval must be positive")
	case c.PortRange.Start < 1 || c.PortRange.End > 65535 || c.PortRange.Start > c.PortRange.End:
		return fmt.Errorf("invalid port_range %d-%d", c.PortRange.Start, c.PortRange.End)
	case c.Health.WindowSize <= 0 || c.Health.ConsecutiveFailures <= 0:
		return errors.New("health.window_size and health.consecutive_failures must be positive")
	case c.Health.FailureRate <= 0 || c.Health.FailureRate > 1:
		return fmt.Errorf("health.failure_rate %.2f must be in (0, 1]", c.Health.FailureRate)
	case c.RegistryWatch.MaxUnavailable <= 0:
		return errors.New("registry_watch.max_unavailable must be positive")
	}
	return nil
}
