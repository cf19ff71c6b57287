package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/wangjinchao-pacvue/switch-service/pkg/api"
	"github.com/wangjinchao-pacvue/switch-service/pkg/autostart"
	"github.com/wangjinchao-pacvue/switch-service/pkg/config"
	"github.com/wangjinchao-pacvue/switch-service/pkg/events"
	"github.com/wangjinchao-pacvue/switch-service/pkg/fleet"
	"github.com/wangjinchao-pacvue/switch-service/pkg/health"
	"github.com/wangjinchao-pacvue/switch-service/pkg/heartbeat"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
	"github.com/wangjinchao-pacvue/switch-service/pkg/metrics"
	"github.com/wangjinchao-pacvue/switch-service/pkg/portkill"
	"github.com/wangjinchao-pacvue/switch-service/pkg/proxy"
	"github.com/wangjinchao-pacvue/switch-service/pkg/reconciler"
	"github.com/wangjinchao-pacvue/switch-service/pkg/registry"
	"github.com/wangjinchao-pacvue/switch-service/pkg/requestlog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/storage"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
	"github.com/wangjinchao-pacvue/switch-service/pkg/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy control plane and its API",
	Long: `Run switch-service in the foreground.

On boot, ports of services left marked running by a crash are freed and
those services are restored, then the auto-start list is executed. The
process stops every proxy and deregisters it on SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		d, err := newDaemon(cfg)
		if err != nil {
			return err
		}
		return d.run()
	},
}

// daemon owns every long-lived component of the serve command
type daemon struct {
	cfg *config.Config

	store   *storage.BoltStore
	repo    *requestlog.Repo
	logs    *requestlog.Service
	broker  *events.Broker
	client  *registry.Client
	runtime *proxy.Runtime
	beats   *heartbeat.Scheduler
	ports   *portkill.Tracker
	fleet   *fleet.Controller
	watch   *watch.Watch
	monitor *health.Monitor
	recon   *reconciler.Reconciler
	sweeper *reconciler.Sweeper
	auto    *autostart.Manager
	metrics *metrics.Collector
	api     *api.Server
	logger  zerolog.Logger
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: log.WithComponent("serve")}
	metrics.SetVersion(Version)
	metrics.SetCriticalComponents(metrics.ComponentStorage, metrics.ComponentAPI)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentStorage, false, err.Error())
		return nil, err
	}
	store.SetHeartbeatsPerKey(cfg.Retention.HeartbeatsPerService)
	metrics.UpdateComponent(metrics.ComponentStorage, true, "")
	d.store = store

	// Request logs are best effort; the proxies run without them
	repo, err := requestlog.OpenRepo(cfg.DataDir)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Request log store unavailable, continuing without request logs")
		metrics.UpdateComponent(metrics.ComponentRequestLog, false, err.Error())
	} else {
		d.repo = repo
		d.logs = requestlog.NewService(repo, requestlog.ServiceConfig{})
		metrics.UpdateComponent(metrics.ComponentRequestLog, true, "")
	}

	d.broker = events.NewBroker()
	d.client = registry.NewClient(d.eurekaConfig())

	proxyOpts := proxy.Options{GracePeriod: cfg.Proxy.GracePeriod, MaxBodyBytes: cfg.Proxy.MaxBodyBytes}
	fleetOpts := fleet.Options{PortRange: cfg.PortRange, RegistryTimeout: d.client.Config().Timeout}
	var pruner reconciler.RequestLogPruner
	if d.logs != nil {
		proxyOpts.Sink = d.logs
		fleetOpts.RequestLogs = d.logs
		pruner = d.logs
	}
	d.runtime = proxy.NewRuntime(proxyOpts)
	d.beats = heartbeat.NewScheduler(d.client, store, d.broker)
	d.ports = portkill.NewTracker()
	fleetOpts.Ports = d.ports
	d.fleet = fleet.NewController(store, d.runtime, d.client, d.beats, d.broker, fleetOpts)

	d.watch = watch.New(d.client, d.fleet, d.broker, cfg.RegistryWatch)
	d.fleet.SetAvailabilitySource(d.watch)

	recovery := health.NewRecoveryController(d.fleet, store, d.broker, cfg.Health)
	d.monitor = health.NewMonitor(d.fleet, store, recovery, d.broker, cfg.Health)
	d.recon = reconciler.NewReconciler(d.fleet, d.client, cfg.Reconcile.Interval)
	d.sweeper, err = reconciler.NewSweeper(store, pruner, d.runtime, cfg.Retention)
	if err != nil {
		store.Close()
		return nil, err
	}
	d.auto = autostart.NewManager(store, d.fleet)
	d.metrics = metrics.NewCollector(d.fleet)

	d.api, err = api.NewServer(api.Deps{
		Fleet:       d.fleet,
		Store:       store,
		Registry:    d.client,
		Heartbeats:  d.beats,
		Broker:      d.broker,
		AutoStart:   d.auto,
		Monitor:     d.monitor,
		Watch:       d.watch,
		RequestLogs: d.logs,
		Ports:       d.ports,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

// eurekaConfig prefers the configuration saved through the API over the file
func (d *daemon) eurekaConfig() types.EurekaConfig {
	var stored types.EurekaConfig
	err := d.store.GetConfig(storage.ConfigKeyEureka, &stored)
	switch {
	case err == nil:
		d.logger.Info().Str("registry", stored.BaseURL()).Msg("Using stored registry configuration")
		return stored
	case !errors.Is(err, storage.ErrNotFound):
		d.logger.Warn().Err(err).Msg("Failed to read stored registry configuration")
	}
	return d.cfg.Eureka
}

func (d *daemon) run() error {
	ctx := context.Background()
	d.broker.Start()
	if d.logs != nil {
		d.logs.Start()
	}
	d.auto.Watch(d.broker)
	d.metrics.Start()

	if err := d.fleet.SeedDefaultTags(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to seed default tags")
	}
	d.boot(ctx)

	d.watch.Start()
	if d.cfg.Health.Enabled {
		d.monitor.Start()
	}
	d.recon.Start()
	d.sweeper.Start()

	errCh := make(chan error, 1)
	go func() {
		if err := d.api.Start(d.cfg.Server.Address); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	metrics.UpdateComponent(metrics.ComponentAPI, true, "")
	d.logger.Info().Str("addr", d.cfg.Server.Address).Str("version", Version).Msg("switch-service is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		d.logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		d.logger.Error().Err(runErr).Msg("Shutting down after API failure")
	}
	d.shutdown()
	return runErr
}

// boot restores services that were running when the process died, then
// executes the auto-start list
func (d *daemon) boot(ctx context.Context) {
	services, err := d.store.ListServices()
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to list services at boot")
		return
	}
	var ports []int
	for _, service := range services {
		if service.IsRunning {
			ports = append(ports, service.Port)
		}
	}
	if len(ports) > 0 {
		freed := d.ports.FreePorts(ctx, ports)
		d.logger.Info().Int("ports", len(ports)).Int("freed", freed).Msg("Boot port cleanup done")
	}

	restored, failed := d.fleet.RestoreOnBoot(ctx)
	d.logger.Info().Int("restored", restored).Int("failed", failed).Msg("Services restored")

	results := d.auto.Execute(ctx)
	started := 0
	for _, r := range results {
		if r.Success {
			started++
		}
	}
	d.logger.Info().Int("listed", len(results)).Int("started", started).Msg("Auto-start done")
}

func (d *daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), fleet.ShutdownTimeout+5*time.Second)
	defer cancel()

	if err := d.api.Shutdown(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("API shutdown incomplete")
	}
	d.watch.Stop()
	d.monitor.Stop()
	d.recon.Stop()
	d.sweeper.Stop()
	d.metrics.Stop()
	d.auto.Stop()

	d.fleet.Shutdown(ctx)

	if d.logs != nil {
		d.logs.Stop()
		if err := d.repo.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to close request log store")
		}
	}
	d.broker.Stop()
	if err := d.store.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to close store")
	}
	d.logger.Info().Msg("Shutdown complete")
}
