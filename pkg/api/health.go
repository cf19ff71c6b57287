package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wangjinchao-pacvue/switch-service/pkg/metrics"
)

// healthHandler implements the /health endpoint.
// Liveness: 200 unless a critical component is unhealthy.
func (s *Server) healthHandler(c *gin.Context) {
	status := metrics.GetHealth()
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// readyHandler implements the /ready endpoint
func (s *Server) readyHandler(c *gin.Context) {
	status := metrics.GetReadiness()
	code := http.StatusOK
	if status.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (s *Server) metricsHandler(c *gin.Context) {
	metrics.Handler().ServeHTTP(c.Writer, c.Request)
}
