package health

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/events"
	"github.com/wangjinchao-pacvue/switch-service/pkg/fleet"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
	"github.com/wangjinchao-pacvue/switch-service/pkg/metrics"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// ErrRecoveryAborted is returned when the service was stopped while its
// recovery waited for the back-off
var ErrRecoveryAborted = errors.New("service stopped before recovery")

// Lifecycle restarts services
type Lifecycle interface {
	StopService(ctx context.Context, id string) error
	StartService(ctx context.Context, id string, opts fleet.StartOptions) error
}

// StatusStore persists health rows
type StatusStore interface {
	RecentHeartbeats(key types.ServiceKey, n int) ([]types.HeartbeatRecord, error)
	GetHealthStatus(key types.ServiceKey) (*types.ServiceHealthStatus, error)
	PutHealthStatus(status *types.ServiceHealthStatus) error
}

// RecoveryController restarts unhealthy services with a linear back-off.
// At most one recovery runs per service key.
type RecoveryController struct {
	lifecycle Lifecycle
	store     StatusStore
	events    events.Publisher
	cfg       Config

	inFlight *xsync.Map[types.ServiceKey, struct{}]
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewRecoveryController creates a recovery controller
func NewRecoveryController(lifecycle Lifecycle, store StatusStore, publisher events.Publisher, cfg Config) *RecoveryController {
	return &RecoveryController{
		lifecycle: lifecycle,
		store:     store,
		events:    publisher,
		cfg:       cfg,
		inFlight:  xsync.NewMap[types.ServiceKey, struct{}](),
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("recovery"),
	}
}

// InProgress reports whether a recovery of key is running
func (r *RecoveryController) InProgress(key types.ServiceKey) bool {
	_, ok := r.inFlight.Load(key)
	return ok
}

// Trigger starts an asynchronous recovery of service. It returns false when
// one is already running for the key.
func (r *RecoveryController) Trigger(service *types.ProxyService, attempts int) bool {
	key := service.Key()
	if _, loaded := r.inFlight.LoadOrStore(key, struct{}{}); loaded {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.inFlight.Delete(key)
		r.recover(context.Background(), service, attempts)
	}()
	return true
}

// Recover runs one recovery synchronously
func (r *RecoveryController) Recover(ctx context.Context, service *types.ProxyService, attempts int) error {
	key := service.Key()
	if _, loaded := r.inFlight.LoadOrStore(key, struct{}{}); loaded {
		return fmt.Errorf("recovery of %s already in progress", key)
	}
	defer r.inFlight.Delete(key)
	return r.recover(ctx, service, attempts)
}

func (r *RecoveryController) recover(ctx context.Context, service *types.ProxyService, attempts int) error {
	logger := log.WithService(service.ServiceName, service.Port)
	attempt := attempts + 1
	meta := map[string]string{
		"attempt":     strconv.Itoa(attempt),
		"maxAttempts": strconv.Itoa(r.cfg.MaxRestartAttempts),
	}

	delay := r.cfg.BackoffDelay(attempts)
	logger.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Starting service recovery")
	r.publish(events.EventServiceRecoveryStarted, service, meta,
		fmt.Sprintf("Recovering %s (attempt %d/%d)", service.ServiceName, attempt, r.cfg.MaxRestartAttempts))

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-r.stopCh:
			timer.Stop()
			return errors.New("recovery cancelled")
		}
	}

	err := r.restart(ctx, service)
	if errors.Is(err, ErrRecoveryAborted) {
		metrics.RecoveriesTotal.WithLabelValues("aborted").Inc()
		logger.Info().Int("attempt", attempt).Msg("Service stopped during back-off, recovery aborted")
		meta["error"] = err.Error()
		r.publish(events.EventServiceRecoveryError, service, meta,
			fmt.Sprintf("Recovery of %s aborted: service was stopped", service.ServiceName))
		return err
	}

	// The attempt counts whether or not the restart worked
	row := &types.ServiceHealthStatus{
		ServiceName:     service.ServiceName,
		Port:            service.Port,
		RestartAttempts: attempt,
		Status:          types.HealthRecovering,
		LastCheckTime:   time.Now(),
	}
	if err != nil {
		row.Status = types.HealthCritical
	}
	if perr := r.store.PutHealthStatus(row); perr != nil {
		logger.Error().Err(perr).Msg("Failed to persist restart attempts")
	}

	if err != nil {
		metrics.RecoveriesTotal.WithLabelValues("error").Inc()
		logger.Error().Err(err).Int("attempt", attempt).Msg("Service recovery failed")
		meta["error"] = err.Error()
		r.publish(events.EventServiceRecoveryError, service, meta,
			fmt.Sprintf("Recovery of %s failed: %v", service.ServiceName, err))
		return err
	}

	metrics.RecoveriesTotal.WithLabelValues("success").Inc()
	logger.Info().Int("attempt", attempt).Msg("Service recovered")
	r.publish(events.EventServiceRecoverySuccess, service, meta,
		fmt.Sprintf("Service %s restarted (attempt %d)", service.ServiceName, attempt))
	return nil
}

// restart never brings back a service that an operator or an emergency
// shutdown stopped in the meantime.
func (r *RecoveryController) restart(ctx context.Context, service *types.ProxyService) error {
	if err := r.lifecycle.StopService(ctx, service.ID); err != nil {
		if errors.Is(err, fleet.ErrNotRunning) || fleet.IsNotFound(err) {
			return fmt.Errorf("%w: %v", ErrRecoveryAborted, err)
		}
		r.logger.Warn().Err(err).Str("service", service.ServiceName).Msg("Stop during recovery reported an error")
	}
	return r.lifecycle.StartService(ctx, service.ID, fleet.StartOptions{BypassRegistryCheck: true})
}

func (r *RecoveryController) publish(kind events.EventType, service *types.ProxyService, meta map[string]string, msg string) {
	md := make(map[string]string, len(meta))
	for k, v := range meta {
		md[k] = v
	}
	r.events.Publish(&events.Event{
		Type:        kind,
		ServiceID:   service.ID,
		ServiceName: service.ServiceName,
		Port:        service.Port,
		Message:     msg,
		Metadata:    md,
	})
}

// Wait blocks until every triggered recovery has finished
func (r *RecoveryController) Wait() {
	r.wg.Wait()
}

// Stop cancels pending back-off delays and waits for running recoveries
func (r *RecoveryController) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}
