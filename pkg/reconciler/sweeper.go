package reconciler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// RetentionConfig bounds the stored history
type RetentionConfig struct {
	Schedule              string        `mapstructure:"schedule"`
	HeartbeatMaxAge       time.Duration `mapstructure:"heartbeat_max_age"`
	HeartbeatsPerService  int           `mapstructure:"heartbeats_per_service"`
	RequestLogsPerService int           `mapstructure:"request_logs_per_service"`
}

// DefaultRetentionConfig returns the default retention
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Schedule:              "@every 10m",
		HeartbeatMaxAge:       5 * time.Minute,
		HeartbeatsPerService:  1000,
		RequestLogsPerService: 10000,
	}
}

// HistoryStore holds heartbeat history and health rows
type HistoryStore interface {
	PruneHeartbeats(olderThan time.Time) (int, error)
	ListHealthStatus() ([]*types.ServiceHealthStatus, error)
	DeleteHealthStatus(key types.ServiceKey) error
}

// RequestLogPruner trims request logs per service
type RequestLogPruner interface {
	Prune(ctx context.Context, keepPerService int) (int64, error)
}

// Running reports live service keys
type Running interface {
	Keys() []types.ServiceKey
}

// SweepResult counts what one sweep removed
type SweepResult struct {
	Heartbeats  int   `json:"heartbeats"`
	HealthRows  int   `json:"healthRows"`
	RequestLogs int64 `json:"requestLogs"`
}

// Sweeper prunes history on a cron schedule
type Sweeper struct {
	store   HistoryStore
	logs    RequestLogPruner
	running Running
	cfg     RetentionConfig
	now     func() time.Time
	cron    *cron.Cron
	logger  zerolog.Logger
}

// NewSweeper creates a sweeper. logs may be nil.
func NewSweeper(store HistoryStore, logs RequestLogPruner, running Running, cfg RetentionConfig) (*Sweeper, error) {
	s := &Sweeper{
		store:   store,
		logs:    logs,
		running: running,
		cfg:     cfg,
		now:     time.Now,
		cron:    cron.New(),
		logger:  log.WithComponent("sweeper"),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Start runs the schedule
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops the schedule and waits for a running sweep
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep prunes old heartbeats, request logs beyond the per-service cap and
// health rows of services that are not running
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var result SweepResult

	if s.cfg.HeartbeatMaxAge > 0 {
		n, err := s.store.PruneHeartbeats(s.now().Add(-s.cfg.HeartbeatMaxAge))
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to prune heartbeats")
		}
		result.Heartbeats = n
	}

	if s.logs != nil && s.cfg.RequestLogsPerService > 0 {
		n, err := s.logs.Prune(ctx, s.cfg.RequestLogsPerService)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to prune request logs")
		}
		result.RequestLogs = n
	}

	live := make(map[types.ServiceKey]bool)
	for _, key := range s.running.Keys() {
		live[key] = true
	}
	rows, err := s.store.ListHealthStatus()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list health rows")
	}
	for _, row := range rows {
		if live[row.Key()] {
			continue
		}
		if err := s.store.DeleteHealthStatus(row.Key()); err != nil {
			s.logger.Error().Err(err).Str("key", string(row.Key())).Msg("Failed to delete health row")
			continue
		}
		result.HealthRows++
	}

	s.logger.Debug().
		Int("heartbeats", result.Heartbeats).
		Int("health_rows", result.HealthRows).
		Int64("request_logs", result.RequestLogs).
		Msg("Retention sweep finished")
	return result
}
