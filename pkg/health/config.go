package health

import "time"

// Warning thresholds applied after the critical rules
const (
	WarningConsecutiveFailures = 2
	WarningFailureRate         = 0.5
)

// Config contains the thresholds of the health state machine
type Config struct {
	// Enabled turns the periodic monitor on
	Enabled bool `mapstructure:"enabled"`

	// Interval is the time between evaluations
	Interval time.Duration `mapstructure:"interval"`

	// WindowSize is the number of most recent heartbeats evaluated
	WindowSize int `mapstructure:"window_size"`

	// ConsecutiveFailures is the critical threshold of failures since the last success
	ConsecutiveFailures int `mapstructure:"consecutive_failures"`

	// FailureRate is the critical share of failures within the window
	FailureRate float64 `mapstructure:"failure_rate"`

	// MinSamples is the number of records required before rate rules apply.
	// Zero applies them to any non-empty window.
	MinSamples int `mapstructure:"min_samples"`

	// MinSuccessInterval is the longest tolerated time without a success
	MinSuccessInterval time.Duration `mapstructure:"min_success_interval"`

	// MaxRestartAttempts bounds automatic recovery per health episode
	MaxRestartAttempts int `mapstructure:"max_restart_attempts"`

	// RecoveryBaseDelay and RecoveryStepDelay form the linear back-off
	// base + attempts*step applied before each recovery
	RecoveryBaseDelay time.Duration `mapstructure:"recovery_base_delay"`
	RecoveryStepDelay time.Duration `mapstructure:"recovery_step_delay"`
}

// DefaultConfig returns a Config with the production thresholds
func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		Interval:            10 * time.Second,
		WindowSize:          10,
		ConsecutiveFailures: 3,
		FailureRate:         0.7,
		MinSuccessInterval:  300 * time.Second,
		MaxRestartAttempts:  3,
		RecoveryBaseDelay:   5 * time.Second,
		RecoveryStepDelay:   10 * time.Second,
	}
}

// BackoffDelay returns the delay before a recovery after attempts prior ones
func (c Config) BackoffDelay(attempts int) time.Duration {
	return c.RecoveryBaseDelay + time.Duration(attempts)*c.RecoveryStepDelay
}
