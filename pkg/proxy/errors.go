package proxy

import (
	"errors"
	"fmt"
)

var (
	// ErrPortUnavailable is returned when a listener is already tracked for the key or port
	ErrPortUnavailable = errors.New("port unavailable")
	// ErrUnknownTarget is returned when a target name is not configured on the service
	ErrUnknownTarget = errors.New("unknown target")
)

// BindError reports a listener that could not be bound
type BindError struct {
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
