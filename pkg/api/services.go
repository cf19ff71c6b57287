package api

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/wangjinchao-pacvue/switch-service/pkg/fleet"
	"github.com/wangjinchao-pacvue/switch-service/pkg/health"
)

const defaultLogLimit = 100

type idsRequest struct {
	IDs []string `json:"ids"`
}

type switchRequest struct {
	ActiveTarget string `json:"activeTarget"`
}

type tagsRequest struct {
	TagIDs []string `json:"tagIds"`
}

func (s *Server) listServices(c *gin.Context) {
	services, err := s.deps.Fleet.ListServices()
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"services": services})
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.deps.Fleet.Stats()
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"stats": stats})
}

func (s *Server) createService(c *gin.Context) {
	var spec fleet.ServiceSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, err.Error())
		return
	}
	service, err := s.deps.Fleet.CreateService(spec)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"service": service})
}

func (s *Server) updateService(c *gin.Context) {
	var spec fleet.ServiceSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, err.Error())
		return
	}
	service, err := s.deps.Fleet.UpdateService(c.Request.Context(), c.Param("id"), spec)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"service": service})
}

func (s *Server) deleteService(c *gin.Context) {
	if err := s.deps.Fleet.DeleteService(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"message": "service deleted"})
}

func (s *Server) startService(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Fleet.StartService(c.Request.Context(), id, fleet.StartOptions{}); err != nil {
		fail(c, err)
		return
	}
	s.respondService(c, id)
}

func (s *Server) stopService(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Fleet.StopService(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	s.respondService(c, id)
}

func (s *Server) respondService(c *gin.Context, id string) {
	service, err := s.deps.Fleet.GetService(id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"service": service})
}

func (s *Server) switchTarget(c *gin.Context) {
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ActiveTarget == "" {
		badRequest(c, "activeTarget is required")
		return
	}
	service, err := s.deps.Fleet.SwitchTarget(c.Request.Context(), c.Param("id"), req.ActiveTarget)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"service": service})
}

func (s *Server) batchStart(c *gin.Context) {
	s.batch(c, s.deps.Fleet.BatchStart)
}

func (s *Server) batchStop(c *gin.Context) {
	s.batch(c, s.deps.Fleet.BatchStop)
}

func (s *Server) batch(c *gin.Context, run func(ctx context.Context, ids []string) []fleet.BatchResult) {
	var req idsRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		badRequest(c, "ids must be a non-empty list")
		return
	}
	results := run(c.Request.Context(), req.IDs)
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	ok(c, gin.H{
		"results": results,
		"summary": gin.H{"total": len(results), "success": succeeded, "failed": len(results) - succeeded},
	})
}

func (s *Server) filterByTags(c *gin.Context) {
	var tagIDs []string
	for _, id := range strings.Split(c.Query("tagIds"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			tagIDs = append(tagIDs, id)
		}
	}
	services, err := s.deps.Fleet.FilterByTags(tagIDs)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"services": services})
}

func (s *Server) checkTargets(c *gin.Context) {
	checks, err := s.deps.Fleet.CheckTargets(c.Request.Context(), c.Param("id"), health.ProbeTarget)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"targets": checks})
}

func (s *Server) listLogs(c *gin.Context) {
	if s.deps.RequestLogs == nil {
		fail(c, errUnavailable)
		return
	}
	service, err := s.deps.Fleet.GetService(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	limit := defaultLogLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	logs, err := s.deps.RequestLogs.List(c.Request.Context(), service.ServiceName, limit)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"logs": logs, "total": len(logs)})
}

func (s *Server) clearLogs(c *gin.Context) {
	if s.deps.RequestLogs == nil {
		fail(c, errUnavailable)
		return
	}
	service, err := s.deps.Fleet.GetService(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.deps.RequestLogs.DeleteService(c.Request.Context(), service.ServiceName); err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"message": "request logs cleared"})
}

func (s *Server) addTags(c *gin.Context) {
	var req tagsRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.TagIDs) == 0 {
		badRequest(c, "tagIds must be a non-empty list")
		return
	}
	service, err := s.deps.Fleet.AddTags(c.Param("id"), req.TagIDs)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"service": service})
}

func (s *Server) removeTag(c *gin.Context) {
	service, err := s.deps.Fleet.RemoveTag(c.Param("id"), c.Param("tagId"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"service": service})
}
