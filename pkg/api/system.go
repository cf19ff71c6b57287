package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wangjinchao-pacvue/switch-service/pkg/snapshot"
	"github.com/wangjinchao-pacvue/switch-service/pkg/storage"
	"github.com/wangjinchao-pacvue/switch-service/pkg/types"
)

const appsCacheKey = "applications"

func (s *Server) registryServices(c *gin.Context) {
	if apps, found := s.apps.Get(appsCacheKey); found {
		ok(c, gin.H{"services": apps, "cached": true})
		return
	}
	apps := s.deps.Registry.ListApplications(c.Request.Context())
	// An empty listing may be a failed call; never cache it
	if len(apps) > 0 {
		s.apps.Set(appsCacheKey, apps)
	}
	ok(c, gin.H{"services": apps, "cached": false})
}

func (s *Server) getConfig(c *gin.Context) {
	body := gin.H{
		"eureka":    s.deps.Registry.Config(),
		"portRange": s.deps.Fleet.PortRange(),
	}
	if s.deps.Watch != nil {
		body["registryAvailability"] = s.deps.Watch.Availability()
	}
	if s.deps.Monitor != nil {
		body["health"] = s.deps.Monitor.Config()
	}
	ok(c, body)
}

// eurekaRequest carries durations as Go duration strings, e.g. "30s"
type eurekaRequest struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	ServicePath       string `json:"servicePath"`
	HeartbeatInterval string `json:"heartbeatInterval"`
	Timeout           string `json:"timeout"`
	InstanceIP        string `json:"instanceIp"`
}

func (r eurekaRequest) merge(cfg types.EurekaConfig) (types.EurekaConfig, error) {
	if r.Host != "" {
		cfg.Host = r.Host
	}
	if r.Port != 0 {
		if r.Port < 1 || r.Port > 65535 {
			return cfg, fmt.Errorf("invalid port %d", r.Port)
		}
		cfg.Port = r.Port
	}
	if r.ServicePath != "" {
		cfg.ServicePath = r.ServicePath
	}
	if r.HeartbeatInterval != "" {
		d, err := time.ParseDuration(r.HeartbeatInterval)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("invalid heartbeatInterval %q", r.HeartbeatInterval)
		}
		cfg.HeartbeatInterval = d
	}
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil || d <= 0 {
			return cfg, fmt.Errorf("invalid timeout %q", r.Timeout)
		}
		cfg.Timeout = d
	}
	cfg.InstanceIP = r.InstanceIP
	return cfg, nil
}

func (s *Server) updateEurekaConfig(c *gin.Context) {
	var req eurekaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	cfg, err := req.merge(s.deps.Registry.Config())
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.deps.Store.SetConfig(storage.ConfigKeyEureka, cfg); err != nil {
		fail(c, err)
		return
	}
	s.applyEurekaConfig(cfg)
	ok(c, gin.H{"config": s.deps.Registry.Config()})
}

func (s *Server) applyEurekaConfig(cfg types.EurekaConfig) {
	s.deps.Registry.SetConfig(cfg)
	s.apps.Delete(appsCacheKey)
	s.logger.Info().Str("registry", cfg.BaseURL()).Msg("Registry configuration updated")
}

func (s *Server) exportConfig(c *gin.Context) {
	format := snapshot.Format(c.DefaultQuery("format", string(snapshot.FormatYAML)))
	if format != snapshot.FormatYAML && format != snapshot.FormatJSON {
		badRequest(c, "format must be yaml or json")
		return
	}
	doc, err := snapshot.Export(s.deps.Store)
	if err != nil {
		fail(c, err)
		return
	}
	data, err := snapshot.Encode(doc, format)
	if err != nil {
		fail(c, err)
		return
	}
	contentType := "application/x-yaml"
	if format == snapshot.FormatJSON {
		contentType = "application/json"
	}
	filename := fmt.Sprintf("switch-config-%s.%s", doc.ExportTime.Format("20060102-150405"), format)
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) importConfig(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil || len(data) == 0 {
		badRequest(c, "request body must be a configuration document")
		return
	}
	doc, err := snapshot.Decode(data)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	result, err := snapshot.Import(s.deps.Store, doc, s.deps.Fleet.AnyRunning())
	if err != nil {
		fail(c, err)
		return
	}
	if result.EurekaConfig != nil {
		s.applyEurekaConfig(*result.EurekaConfig)
	}
	ok(c, gin.H{"result": result})
}

func (s *Server) cleanup(c *gin.Context) {
	report, err := s.deps.Fleet.Reconcile(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"report": report})
}

func (s *Server) portStatus(c *gin.Context) {
	if s.deps.Ports == nil {
		fail(c, errUnavailable)
		return
	}
	ok(c, gin.H{"ports": s.deps.Ports.Status(c.Request.Context())})
}

func (s *Server) killPort(c *gin.Context) {
	if s.deps.Ports == nil {
		fail(c, errUnavailable)
		return
	}
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil || port < 1 || port > 65535 {
		badRequest(c, "invalid port")
		return
	}
	killed, err := s.deps.Ports.Kill(c.Request.Context(), port)
	if err != nil {
		fail(c, err)
		return
	}
	msg := fmt.Sprintf("no process is listening on port %d", port)
	if len(killed) > 0 {
		msg = fmt.Sprintf("terminated %d process(es) on port %d", len(killed), port)
	}
	ok(c, gin.H{"killed": killed, "message": msg})
}

func (s *Server) autoStartConfig(c *gin.Context) {
	cfg, err := s.deps.AutoStart.Config()
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"config": cfg})
}

func (s *Server) autoStartAdd(c *gin.Context) {
	cfg, err := s.deps.AutoStart.Add(c.Param("serviceId"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"config": cfg})
}

func (s *Server) autoStartRemove(c *gin.Context) {
	cfg, err := s.deps.AutoStart.Remove(c.Param("serviceId"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"config": cfg})
}

func (s *Server) autoStartExecute(c *gin.Context) {
	ok(c, gin.H{"results": s.deps.AutoStart.Execute(c.Request.Context())})
}

func (s *Server) triggerShutdown(c *gin.Context) {
	if s.deps.Watch == nil {
		fail(c, errUnavailable)
		return
	}
	summary := s.deps.Watch.TriggerShutdown(c.Request.Context(), "manual trigger")
	ok(c, gin.H{"summary": summary})
}
