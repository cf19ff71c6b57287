// Package snapshot exports and imports the service configuration as a
// versioned YAML or JSON document:
//
//	version: "1.0"
//	exportTime: 2026-01-01T00:00:00Z
//	data:
//	  proxyServices: [...]
//	  tags: [...]
//	  autoStartConfig: {serviceIds: [...]}
//	  eurekaConfig: {host: localhost, port: 8761, ...}
//
// Import merges into the existing state and is refused while any proxy runs.
package snapshot
