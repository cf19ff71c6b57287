package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/events"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
	"github.com/wangjinchao-pacvue/switch-service/pkg/metrics"
	"github.com/wangjinchao-pacvue/switch-service/pkg/registry"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// Renewer sends registry heartbeats
type Renewer interface {
	Renew(ctx context.Context, serviceName string, port int) error
	HeartbeatInterval() time.Duration
}

// HistoryStore is the storage the scheduler writes to
type HistoryStore interface {
	AppendHeartbeat(key types.ServiceKey, record types.HeartbeatRecord) error
	ClearHeartbeats(key types.ServiceKey) error
	DeleteHealthStatus(key types.ServiceKey) error
}

// ErrorInfo is the last heartbeat failure of a key
type ErrorInfo struct {
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs one periodic registry renewal per running service
type Scheduler struct {
	renewer Renewer
	store   HistoryStore
	events  events.Publisher

	mu    sync.Mutex
	tasks map[types.ServiceKey]*task

	errs   *xsync.Map[types.ServiceKey, ErrorInfo]
	logger zerolog.Logger
}

// NewScheduler creates a heartbeat scheduler
func NewScheduler(renewer Renewer, store HistoryStore, publisher events.Publisher) *Scheduler {
	return &Scheduler{
		renewer: renewer,
		store:   store,
		events:  publisher,
		tasks:   make(map[types.ServiceKey]*task),
		errs:    xsync.NewMap[types.ServiceKey, ErrorInfo](),
		logger:  log.WithComponent("heartbeat"),
	}
}

// Start begins heartbeats for serviceName:port, replacing any running task for the key
func (s *Scheduler) Start(serviceName string, port int) {
	key := types.NewServiceKey(serviceName, port)
	interval := s.renewer.HeartbeatInterval()

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	old := s.tasks[key]
	s.tasks[key] = t
	s.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	go s.run(ctx, t, serviceName, port, interval)
	s.logger.Info().Str("key", string(key)).Dur("interval", interval).Msg("Started heartbeat")
}

func (s *Scheduler) run(ctx context.Context, t *task, serviceName string, port int, interval time.Duration) {
	defer close(t.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Beat(ctx, serviceName, port)
		case <-ctx.Done():
			return
		}
	}
}

// Stop removes the heartbeat of serviceName:port together with its error
// flag, history and health row. Stopping an unknown key only clears state.
func (s *Scheduler) Stop(serviceName string, port int) error {
	key := types.NewServiceKey(serviceName, port)

	s.mu.Lock()
	t := s.tasks[key]
	delete(s.tasks, key)
	s.mu.Unlock()

	if t != nil {
		t.cancel()
		<-t.done
		s.logger.Info().Str("key", string(key)).Msg("Stopped heartbeat")
	}

	s.errs.Delete(key)

	var errs []error
	if err := s.store.ClearHeartbeats(key); err != nil {
		errs = append(errs, fmt.Errorf("clear heartbeat history: %w", err))
	}
	if err := s.store.DeleteHealthStatus(key); err != nil {
		errs = append(errs, fmt.Errorf("clear health status: %w", err))
	}
	return errors.Join(errs...)
}

// StopAll cancels every task without touching persisted state
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[types.ServiceKey]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.done
	}
}

// Beat performs one renewal for serviceName:port and records its outcome.
// Failure and recovery events are edge triggered per key.
func (s *Scheduler) Beat(ctx context.Context, serviceName string, port int) {
	key := types.NewServiceKey(serviceName, port)
	err := s.renewer.Renew(ctx, serviceName, port)
	if ctx.Err() == context.Canceled {
		// Cancelled by Stop or a restart; the outcome says nothing about the registry
		return
	}

	now := time.Now()
	record := types.HeartbeatRecord{
		ServiceName: serviceName,
		Port:        port,
		Status:      types.HeartbeatSuccess,
		Timestamp:   now,
	}

	if err == nil {
		s.append(key, record)
		metrics.HeartbeatsTotal.WithLabelValues(string(types.HeartbeatSuccess)).Inc()

		if _, wasFailing := s.errs.LoadAndDelete(key); wasFailing {
			s.logger.Info().Str("key", string(key)).Msg("Heartbeat recovered")
			s.events.Publish(&events.Event{
				Type:        events.EventHeartbeatRecovered,
				ServiceName: serviceName,
				Port:        port,
				Message:     fmt.Sprintf("Heartbeat of %s recovered", serviceName),
			})
		}
		return
	}

	record.Status = Classify(err)
	record.Message = err.Error()
	s.append(key, record)
	metrics.HeartbeatsTotal.WithLabelValues(string(record.Status)).Inc()

	info := ErrorInfo{Message: err.Error(), Code: errorCode(err), Timestamp: now}
	wasHealthy := true
	s.errs.Compute(key, func(_ ErrorInfo, loaded bool) (ErrorInfo, xsync.ComputeOp) {
		wasHealthy = !loaded
		return info, xsync.UpdateOp
	})

	s.logger.Warn().Str("key", string(key)).Str("status", string(record.Status)).Err(err).Msg("Heartbeat failed")
	if wasHealthy {
		s.events.Publish(&events.Event{
			Type:        events.EventHeartbeatFailed,
			ServiceName: serviceName,
			Port:        port,
			Message:     fmt.Sprintf("Heartbeat of %s failed", serviceName),
			Metadata:    map[string]string{"error": info.Message, "code": info.Code},
		})
	}
}

func (s *Scheduler) append(key types.ServiceKey, record types.HeartbeatRecord) {
	if err := s.store.AppendHeartbeat(key, record); err != nil {
		s.logger.Error().Err(err).Str("key", string(key)).Msg("Failed to record heartbeat")
	}
}

// Classify maps a renewal error to a heartbeat status
func Classify(err error) types.HeartbeatStatus {
	switch {
	case err == nil:
		return types.HeartbeatSuccess
	case errors.Is(err, registry.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return types.HeartbeatTimeout
	default:
		return types.HeartbeatError
	}
}

func errorCode(err error) string {
	var statusErr *registry.StatusError
	if errors.As(err, &statusErr) {
		return strconv.Itoa(statusErr.Code)
	}
	if errors.Is(err, registry.ErrTimeout) {
		return "TIMEOUT"
	}
	return "NETWORK_ERROR"
}

// Running reports whether key has an active heartbeat
func (s *Scheduler) Running(key types.ServiceKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Keys returns the keys with an active heartbeat, sorted
func (s *Scheduler) Keys() []types.ServiceKey {
	s.mu.Lock()
	keys := make([]types.ServiceKey, 0, len(s.tasks))
	for key := range s.tasks {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Error returns the current error flag of key
func (s *Scheduler) Error(key types.ServiceKey) (ErrorInfo, bool) {
	return s.errs.Load(key)
}

// Errors returns a snapshot of every error flag
func (s *Scheduler) Errors() map[types.ServiceKey]ErrorInfo {
	out := make(map[types.ServiceKey]ErrorInfo)
	s.errs.Range(func(key types.ServiceKey, info ErrorInfo) bool {
		out[key] = info
		return true
	})
	return out
}
