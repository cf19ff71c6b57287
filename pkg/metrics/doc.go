/*
Package metrics provides Prometheus metrics and the component health registry
for switch-service.

Every metric is a package variable registered with the default Prometheus
registry in init, so callers increment them directly:

	metrics.HeartbeatsTotal.WithLabelValues("success").Inc()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

# Metrics

	switch_services_total                      configured services
	switch_proxies_running                     live listeners
	switch_services_by_health{status}          running services per health status
	switch_heartbeats_total{status}            registry renewals by outcome
	switch_registry_available                  1 when the last availability probe succeeded
	switch_emergency_shutdowns_total           fleet shutdowns caused by registry outages
	switch_recoveries_total{result}            automatic restarts by outcome
	switch_proxy_requests_total{service,code}  proxied requests
	switch_proxy_request_duration_seconds      proxied request latency
	switch_reconcile_duration_seconds          reconcile sweep duration
	switch_reconcile_cycles_total              reconcile sweeps
	switch_api_requests_total{method,status}   API requests
	switch_api_request_duration_seconds        API latency

The Collector samples the gauges that are cheaper to read than to maintain
(service count, health distribution) every 15 seconds from a Source, which
the fleet controller implements.

# Health

UpdateComponent records the state of a named component. GetHealth reports
unhealthy when a critical component is down and degraded for any other
failure; GetReadiness waits for every critical component. The serve command
marks storage and the API critical; the request log store is optional.
*/
package metrics
