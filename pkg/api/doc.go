/*
Package api implements the HTTP boundary of switch-service.

The server is a gin engine exposing JSON routes over the fleet controller
and its supporting components, a server-sent event stream fed by the event
broker, and the /health, /ready and /metrics endpoints.

# Routes

	GET    /health /ready /metrics
	GET    /api/events                          event stream (?types=a,b)
	GET    /api/proxy/list  /api/proxy/stats
	POST   /api/proxy/create
	PUT    /api/proxy/:id   DELETE /api/proxy/:id
	POST   /api/proxy/:id/start|stop|switch
	POST   /api/proxy/batch/start|stop
	GET    /api/proxy/:id/targets/check
	GET    /api/proxy/:id/logs              DELETE /api/proxy/:id/logs
	POST   /api/proxy/:id/tags              DELETE /api/proxy/:id/tags/:tagId
	GET    /api/proxy/filter/tags?tagIds=a,b
	GET    /api/tags  POST /api/tags  PUT|DELETE /api/tags/:id
	GET    /api/heartbeat/status  /api/heartbeat/history/:serviceName/:port
	GET    /api/health/status     POST /api/health/:serviceName/:port/reset
	GET    /api/eureka/services   GET /api/config   PUT /api/config/eureka
	GET    /api/config/export     POST /api/config/import
	POST   /api/cleanup/inconsistent-services
	GET    /api/ports/status      POST /api/ports/:port/kill
	GET    /api/autostart/config  POST|DELETE /api/autostart/:serviceId
	POST   /api/autostart/execute
	POST   /api/test/trigger-eureka-shutdown

# Responses

Every JSON response carries a success flag. Errors are mapped onto status
codes by statusFor:

	404  missing service, tag or health row
	400  invalid configuration, unknown target, malformed request
	409  already running, not running, running service edits, duplicate names
	503  registry down, optional component not configured
	500  anything else

The registry view (/api/eureka/services) is cached for five seconds in an
otter cache and never caches an empty listing. The cache is purged when the
registry configuration changes.
*/
package api
