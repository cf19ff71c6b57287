package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wangjinchao-pacvue/switch-service/pkg/metrics"
)

// observe records request metrics and logs every request at debug level
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()

		status := c.Writer.Status()
		metrics.APIRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, c.Request.Method)

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("route", path).
			Int("status", status).
			Dur("duration", timer.Duration()).
			Msg("API request")
	}
}

// recovery turns a handler panic into a 500 instead of killing the process
func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Interface("panic", r).
					Str("route", c.FullPath()).
					Msg("Panic in API handler")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "error": "internal error"})
			}
		}()
		c.Next()
	}
}
