package fleet

import (
	"errors"

	"github.com/wangjinchao-pacvue/switch-service/pkg/proxy"
)

var (
	// ErrAlreadyRunning is returned when starting a service that has a live listener
	ErrAlreadyRunning = errors.New("service is already running")
	// ErrNotRunning is returned when stopping a service that is not running
	ErrNotRunning = errors.New("service is not running")
	// ErrRegistryDown is returned when the registry is known to be unavailable
	ErrRegistryDown = errors.New("registry is unavailable")
	// ErrUnknownTarget is returned when a target name is not configured on the service
	ErrUnknownTarget = proxy.ErrUnknownTarget
	// ErrServiceRunning is returned by operations that require a stopped service
	ErrServiceRunning = errors.New("service must be stopped first")
	// ErrInvalidConfig wraps configuration errors rejected before any state changes
	ErrInvalidConfig = errors.New("invalid service configuration")
)
