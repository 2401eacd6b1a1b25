// Package config loads the gatekeeper configuration.
//
// Configuration is read from a YAML file whose values may reference
// environment variables as ${VAR} or ${VAR:-default}. A fixed set of
// environment variables (API_PREFIX, DISABLE_CURRENT_REQUEST_METRIC,
// TRACE_SAMPLING_RATE, OTEL_EXPORTER_OTLP_ENDPOINT, REDIS_URL,
// GATEKEEPER_LOG_LEVEL, GATEKEEPER_LOG_FORMAT) then overrides the file.
//
// Example:
//
//	server:
//	  address: ":8080"
//	  apiPrefix: "/v1/detector"
//	  drainPeriod: "5s"
//	workers:
//	  count: 8
//	  queueSize: 128
//	tasks:
//	  backend: redis
//	  redis:
//	    url: "${REDIS_URL:-redis://localhost:6379/0}"
//	endpoints:
//	  - path: /echo
//	    mode: sync
//	    handler: echo
//	    maxConcurrentRequests: 4
package config
