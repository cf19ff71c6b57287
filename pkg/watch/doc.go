// Package watch tracks registry availability for the whole process.
//
// A single poller calls the registry every Interval. The first failed poll
// marks the registry unavailable and publishes eureka_health_warning. When
// the outage lasts MaxUnavailable every running service is stopped once and
// a latch blocks further shutdowns for Cooldown. A successful poll clears the
// outage and publishes eureka_health_recovered with its duration.
package watch
