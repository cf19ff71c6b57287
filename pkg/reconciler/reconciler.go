package reconciler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/fleet"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
	"github.com/wangjinchao-pacvue/switch-service/pkg/registry"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// Fleet is the state the reconciler corrects
type Fleet interface {
	Reconcile(ctx context.Context) (fleet.ReconcileReport, error)
	RunningServices() ([]*types.ProxyService, error)
}

// Applications lists what the registry believes is up
type Applications interface {
	ListApplications(ctx context.Context) []registry.Application
}

// Drift is a running service the registry does not list as UP
type Drift struct {
	ServiceName string `json:"serviceName"`
	Port        int    `json:"port"`
}

// Reconciler periodically aligns persisted state with the live runtime and
// compares the result with the registry
type Reconciler struct {
	fleet    Fleet
	registry Applications
	interval time.Duration

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(f Fleet, apps Applications, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Reconciler{
		fleet:    f,
		registry: apps,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.safeReconcile()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reconciler) safeReconcile() {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("Reconcile panicked")
		}
	}()
	if _, _, err := r.Reconcile(context.Background()); err != nil {
		// Log error but continue
		r.logger.Error().Err(err).Msg("Reconcile failed")
	}
}

// Reconcile performs one reconciliation cycle
func (r *Reconciler) Reconcile(ctx context.Context) (fleet.ReconcileReport, []Drift, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report, err := r.fleet.Reconcile(ctx)
	if err != nil {
		return report, nil, err
	}
	if r.registry == nil {
		return report, nil, nil
	}
	return report, r.compareRegistry(ctx), nil
}

// compareRegistry logs running services the registry does not list as UP.
// Local state wins; an empty listing means the registry view is unknown.
func (r *Reconciler) compareRegistry(ctx context.Context) []Drift {
	apps := r.registry.ListApplications(ctx)
	if len(apps) == 0 {
		return nil
	}
	byName := make(map[string]registry.Application, len(apps))
	for _, app := range apps {
		byName[strings.ToUpper(app.Name)] = app
	}

	running, err := r.fleet.RunningServices()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list running services")
		return nil
	}
	var drift []Drift
	for _, service := range running {
		app, ok := byName[strings.ToUpper(service.ServiceName)]
		if ok && app.HasUpInstance(service.Port) {
			continue
		}
		drift = append(drift, Drift{ServiceName: service.ServiceName, Port: service.Port})
		r.logger.Warn().
			Str("service", service.ServiceName).
			Int("port", service.Port).
			Msg("Running service is not UP in the registry")
	}
	return drift
}
