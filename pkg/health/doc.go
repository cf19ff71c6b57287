/*
Package health watches the heartbeat history of running proxy services and
restarts the ones that stop renewing with the registry.

# Evaluation

Every Interval the Monitor reads the last WindowSize heartbeat records of each
running service and derives three numbers:

	consecutiveFailures   failures counted back from the newest record
	failureRate           failures / records in the window
	timeSinceLastSuccess  now minus the newest success (or the persisted one)

The rules are evaluated in order and the first match wins:

	consecutiveFailures >= ConsecutiveFailures   critical, recover
	failureRate >= FailureRate                   critical, recover
	timeSinceLastSuccess > MinSuccessInterval    critical, recover
	consecutiveFailures >= 2                     warning
	failureRate >= 0.5                           warning
	otherwise                                    healthy

Rate rules apply to any non-empty window unless MinSamples asks for more
records. A service without history is skipped.

# Recovery

A critical service is handed to the RecoveryController unless a recovery of
the same key is already running. The controller waits

	RecoveryBaseDelay + restartAttempts * RecoveryStepDelay

then stops and starts the service through the fleet controller, bypassing the
registry availability gate. restartAttempts is incremented whether or not the
restart worked. Once it reaches MaxRestartAttempts the service is marked
failed and no further automatic recovery happens until an operator resets the
counter or stops the service.

Events published: service_health_warning, service_recovery_started,
service_recovery_success, service_recovery_error, service_recovery_failed.

# Probes

HTTPChecker and TCPChecker check the reachability of upstream targets for the
target check endpoint. ProbeTarget combines both.
*/
package health
