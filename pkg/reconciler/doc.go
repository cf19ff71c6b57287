/*
Package reconciler keeps persisted service state honest.

The Reconciler runs on a fixed interval (60 seconds by default). Each cycle
asks the fleet controller to align storage with the live proxy runtime, which
is always the source of truth:

	storage running, no listener   → marked stopped, heartbeat cleared
	listener live, storage stopped → marked running
	heartbeat without listener     → heartbeat stopped

It then lists the registry and logs running services that are not UP there.
Local state wins; the registry is never used to start or stop anything, and an
empty listing is treated as unknown.

The Sweeper runs on a cron schedule ("@every 10m" by default) and removes
heartbeat records older than HeartbeatMaxAge, request logs beyond the
per-service cap, and health rows of services that are no longer running.
*/
package reconciler
