package watch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/events"
	"github.com/wangjinchao-pacvue/switch-service/pkg/fleet"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
	"github.com/wangjinchao-pacvue/switch-service/pkg/metrics"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

// Checker reports whether the registry answers
type Checker interface {
	CheckAvailability(ctx context.Context) bool
}

// Shutdowner stops the whole fleet
type Shutdowner interface {
	ShutdownAllForRegistryOutage(ctx context.Context, reason string) fleet.ShutdownSummary
}

// Config holds the outage thresholds
type Config struct {
	Interval       time.Duration `mapstructure:"interval"`
	MaxUnavailable time.Duration `mapstructure:"max_unavailable"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
}

// DefaultConfig returns the production thresholds
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		MaxUnavailable: 180 * time.Second,
		Cooldown:       60 * time.Second,
	}
}

// Watch polls the registry and shuts the fleet down once per sustained outage
type Watch struct {
	checker Checker
	fleet   Shutdowner
	events  events.Publisher
	cfg     Config
	now     func() time.Time

	mu         sync.Mutex
	state      types.RegistryAvailability
	latchUntil time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// New creates a registry watch in the unknown state
func New(checker Checker, shutdowner Shutdowner, publisher events.Publisher, cfg Config) *Watch {
	return &Watch{
		checker: checker,
		fleet:   shutdowner,
		events:  publisher,
		cfg:     cfg,
		now:     time.Now,
		state:   types.RegistryAvailability{IsAvailable: types.AvailabilityUnknown},
		stopCh:  make(chan struct{}),
		logger:  log.WithComponent("registry-watch"),
	}
}

// Start begins polling
func (w *Watch) Start() {
	go w.run()
}

// Stop stops polling
func (w *Watch) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Watch) run() {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.safeCheck()
	for {
		select {
		case <-ticker.C:
			w.safeCheck()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watch) safeCheck() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Msg("Registry check panicked")
		}
	}()
	w.Check(context.Background())
}

// Availability returns the current view of the registry
func (w *Watch) Availability() types.RegistryAvailability {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.expireLatch(w.now())
	return w.copyState()
}

func (w *Watch) copyState() types.RegistryAvailability {
	s := w.state
	if s.UnavailableSince != nil {
		since := *s.UnavailableSince
		s.UnavailableSince = &since
	}
	return s
}

// expireLatch clears the shutdown latch after the cool-down. An outage still
// in progress starts a new episode.
func (w *Watch) expireLatch(now time.Time) {
	if !w.state.ShutdownTriggered || now.Before(w.latchUntil) {
		return
	}
	w.state.ShutdownTriggered = false
	if w.state.IsAvailable == types.AvailabilityUnavailable {
		since := now
		w.state.UnavailableSince = &since
	}
	w.logger.Info().Msg("Emergency shutdown latch cleared")
}

// Check polls the registry once and applies the outage policy
func (w *Watch) Check(ctx context.Context) types.RegistryAvailability {
	available := w.checker.CheckAvailability(ctx)
	now := w.now()

	w.mu.Lock()
	w.state.LastCheckTime = now
	w.expireLatch(now)

	if available {
		metrics.RegistryAvailable.Set(1)
		if w.state.IsAvailable == types.AvailabilityUnavailable {
			var outage time.Duration
			if w.state.UnavailableSince != nil {
				outage = now.Sub(*w.state.UnavailableSince)
			}
			w.logger.Info().Dur("outage", outage).Msg("Registry is available again")
			w.events.Publish(&events.Event{
				Type:     events.EventEurekaHealthRecovered,
				Message:  fmt.Sprintf("Registry recovered after %s", outage.Truncate(time.Second)),
				Metadata: map[string]string{"outage": outage.String()},
			})
		}
		w.state.IsAvailable = types.AvailabilityAvailable
		w.state.UnavailableSince = nil
		state := w.copyState()
		w.mu.Unlock()
		return state
	}

	metrics.RegistryAvailable.Set(0)
	if w.state.IsAvailable != types.AvailabilityUnavailable || w.state.UnavailableSince == nil {
		since := now
		w.state.IsAvailable = types.AvailabilityUnavailable
		w.state.UnavailableSince = &since
		w.logger.Warn().Msg("Registry is unavailable")
		w.events.Publish(&events.Event{
			Type:    events.EventEurekaHealthWarning,
			Message: "Registry is unavailable",
		})
		state := w.copyState()
		w.mu.Unlock()
		return state
	}

	elapsed := now.Sub(*w.state.UnavailableSince)
	if elapsed < w.cfg.MaxUnavailable || w.state.ShutdownTriggered {
		state := w.copyState()
		w.mu.Unlock()
		return state
	}

	w.state.ShutdownTriggered = true
	w.latchUntil = now.Add(w.cfg.Cooldown)
	state := w.copyState()
	w.mu.Unlock()

	reason := fmt.Sprintf("registry unavailable for %s", elapsed.Truncate(time.Second))
	w.emergencyShutdown(ctx, reason)
	return state
}

// TriggerShutdown runs the emergency shutdown immediately
func (w *Watch) TriggerShutdown(ctx context.Context, reason string) fleet.ShutdownSummary {
	return w.emergencyShutdown(ctx, reason)
}

func (w *Watch) emergencyShutdown(ctx context.Context, reason string) fleet.ShutdownSummary {
	metrics.EmergencyShutdownsTotal.Inc()
	w.logger.Error().Str("reason", reason).Msg("Emergency shutdown of all services")
	w.events.Publish(&events.Event{
		Type:     events.EventEurekaEmergencyShutdown,
		Message:  fmt.Sprintf("Emergency shutdown: %s", reason),
		Metadata: map[string]string{"reason": reason},
	})
	return w.fleet.ShutdownAllForRegistryOutage(ctx, reason)
}
