package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wangjinchao-pacvue/switch-service/pkg/fleet"
	"github.com/wangjinchao-pacvue/switch-service/pkg/portkill"
	"github.com/wangjinchao-pacvue/switch-service/pkg/storage"
)

var errUnavailable = errors.New("component is not enabled")

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case fleet.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrRegistryDown), errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, fleet.ErrInvalidConfig), errors.Is(err, fleet.ErrUnknownTarget):
		return http.StatusBadRequest
	case fleet.IsConflict(err), errors.Is(err, storage.ErrDuplicateName), errors.Is(err, portkill.ErrOwnProcess):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func ok(c *gin.Context, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["success"] = true
	c.JSON(http.StatusOK, body)
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"success": false, "error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}
