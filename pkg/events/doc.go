/*
Package events is the in-process event bus of switch-service.

The fleet controller, heartbeat scheduler, health monitor and registry watch
publish state transitions (proxy_started, heartbeat_failed,
service_recovery_success, eureka_emergency_shutdown, ...) to a Broker.
Consumers subscribe either to every event, as the API event stream does, or to
specific kinds:

	sub := broker.Subscribe(events.EventProxyDeleted)
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		// react to deletions only
	}

Publishing never blocks. The broker queue holds 100 events and each
subscriber buffers 50; events that do not fit are dropped, so consumers must
treat the stream as a notification feed rather than a log.
*/
package events
