/*
Package storage persists switch-service state in a single BoltDB file.

Buckets:

	services        ProxyService records keyed by ID
	tags            Tag records keyed by ID
	health_status   ServiceHealthStatus rows keyed by "serviceName:port"
	heartbeats      one nested bucket per "serviceName:port", records keyed
	                by a big-endian sequence so cursors walk them in order
	system_config   JSON values keyed by name (eureka, autostart, ...)

Values are JSON. Multi-record changes (tag detach on delete, service tag sets)
run inside one bbolt transaction and are all-or-nothing.
The heartbeat history of each key is capped on append; PruneHeartbeats removes
records by age for the periodic retention sweep.
*/
package storage
