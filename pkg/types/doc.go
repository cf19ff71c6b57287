/*
Package types defines the data model shared by every switch-service package.

The central record is ProxyService, a named mapping from a listening port to one
of several upstream targets. Running instances are addressed by ServiceKey
("serviceName:port"), which is also the key of the heartbeat history and of the
ServiceHealthStatus row maintained by the health monitor.

All types are plain structs with string-typed enums. They serialize to JSON for
storage and the HTTP API, and to YAML for configuration export.
*/
package types
