package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/maypok86/otter"
	"github.com/rs/zerolog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/autostart"
	"github.com/wangjinchao-pacvue/switch-service/pkg/events"
	"github.com/wangjinchao-pacvue/switch-service/pkg/fleet"
	"github.com/wangjinchao-pacvue/switch-service/pkg/health"
	"github.com/wangjinchao-pacvue/switch-service/pkg/heartbeat"
	"github.com/wangjinchao-pacvue/switch-service/pkg/log"
	"github.com/wangjinchao-pacvue/switch-service/pkg/portkill"
	"github.com/wangjinchao-pacvue/switch-service/pkg/registry"
	"github.com/wangjinchao-pacvue/switch-service/pkg/requestlog"
	"github.com/wangjinchao-pacvue/switch-service/pkg/storage"
	"github.com/wangjinchao-pacvue/switch-service/pkg/watch"
)

// registryCacheTTL bounds how stale the registry view may be
const registryCacheTTL = 5 * time.Second

// Deps are the components served by the API. Monitor, Watch, RequestLogs
// and Ports are optional; their routes answer 503 when missing.
type Deps struct {
	Fleet       *fleet.Controller
	Store       storage.Store
	Registry    *registry.Client
	Heartbeats  *heartbeat.Scheduler
	Broker      *events.Broker
	AutoStart   *autostart.Manager
	Monitor     *health.Monitor
	Watch       *watch.Watch
	RequestLogs *requestlog.Service
	Ports       *portkill.Tracker
}

// Server is the HTTP boundary of switch-service
type Server struct {
	deps   Deps
	engine *gin.Engine
	apps   otter.Cache[string, []registry.Application]
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the router
func NewServer(deps Deps) (*Server, error) {
	apps, err := otter.MustBuilder[string, []registry.Application](16).
		WithTTL(registryCacheTTL).
		Build()
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		deps:   deps,
		engine: gin.New(),
		apps:   apps,
		logger: log.WithComponent("api"),
	}
	s.engine.Use(s.recovery(), s.observe())
	s.routes()
	return s, nil
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	r := s.engine
	r.GET("/health", s.healthHandler)
	r.GET("/ready", s.readyHandler)
	r.GET("/metrics", s.metricsHandler)

	api := r.Group("/api")
	api.GET("/events", s.streamEvents)

	proxy := api.Group("/proxy")
	proxy.GET("/list", s.listServices)
	proxy.GET("/stats", s.stats)
	proxy.POST("/create", s.createService)
	proxy.POST("/batch/start", s.batchStart)
	proxy.POST("/batch/stop", s.batchStop)
	proxy.GET("/filter/tags", s.filterByTags)
	proxy.PUT("/:id", s.updateService)
	proxy.DELETE("/:id", s.deleteService)
	proxy.POST("/:id/start", s.startService)
	proxy.POST("/:id/stop", s.stopService)
	proxy.POST("/:id/switch", s.switchTarget)
	proxy.GET("/:id/targets/check", s.checkTargets)
	proxy.GET("/:id/logs", s.listLogs)
	proxy.DELETE("/:id/logs", s.clearLogs)
	proxy.POST("/:id/tags", s.addTags)
	proxy.DELETE("/:id/tags/:tagId", s.removeTag)

	tags := api.Group("/tags")
	tags.GET("", s.listTags)
	tags.POST("", s.createTag)
	tags.PUT("/:id", s.updateTag)
	tags.DELETE("/:id", s.deleteTag)

	api.GET("/heartbeat/status", s.heartbeatStatus)
	api.GET("/heartbeat/history/:serviceName/:port", s.heartbeatHistory)
	api.GET("/health/status", s.healthStatus)
	api.POST("/health/:serviceName/:port/reset", s.resetHealth)

	api.GET("/eureka/services", s.registryServices)
	api.GET("/config", s.getConfig)
	api.PUT("/config/eureka", s.updateEurekaConfig)
	api.GET("/config/export", s.exportConfig)
	api.POST("/config/import", s.importConfig)
	api.POST("/cleanup/inconsistent-services", s.cleanup)

	api.GET("/ports/status", s.portStatus)
	api.POST("/ports/:port/kill", s.killPort)

	api.GET("/autostart/config", s.autoStartConfig)
	api.POST("/autostart/execute", s.autoStartExecute)
	api.POST("/autostart/:serviceId", s.autoStartAdd)
	api.DELETE("/autostart/:serviceId", s.autoStartRemove)

	api.POST("/test/trigger-eureka-shutdown", s.triggerShutdown)
}

// Start serves on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:        addr,
		Handler:     s.engine,
		ReadTimeout: 10 * time.Second,
		// No write timeout: /api/events is a long-lived stream
		IdleTimeout: 60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
