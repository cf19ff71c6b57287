/*
Package log provides structured logging for switch-service using zerolog.

A single global Logger is configured once by Init from the serve command.
Long-lived components derive child loggers so every line carries its origin:

	logger := log.WithComponent("heartbeat")
	logger.Warn().Str("key", string(key)).Err(err).Msg("renewal failed")

Per-service code paths use WithService, which adds "service" and "port"
fields matching the ServiceKey of the instance.

Console output (RFC3339 timestamps) is the default; JSONOutput switches to
one JSON object per line for log shipping.
*/
package log
