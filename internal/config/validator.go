package config

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/gatekeeper/internal/util"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validLogFormats = map[string]bool{"json": true, "console": true}

var validHandlers = map[string]bool{"echo": true, "delay": true, "fail": true}

// Validate checks cfg and returns a *util.ValidationError listing every
// invalid field.
func Validate(cfg *Config) error {
	verr := util.NewValidationError("invalid configuration")

	validateServer(&cfg.Server, verr)
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		verr.AddField("admin.address", "required when admin is enabled")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == cfg.Server.Address {
		verr.AddField("admin.address", "must differ from server.address")
	}
	if cfg.Workers.Count <= 0 {
		verr.AddField("workers.count", "must be positive")
	}
	if cfg.Workers.QueueSize < 0 {
		verr.AddField("workers.queueSize", "must not be negative")
	}
	validateTasks(&cfg.Tasks, verr)
	validateObservability(&cfg.Observability, verr)

	seen := make(map[string]bool, len(cfg.Endpoints))
	for i := range cfg.Endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)
		validateEndpoint(field, &cfg.Endpoints[i], verr)
		if p := cfg.Endpoints[i].Path; p != "" {
			if seen[p] {
				verr.AddField(field+".path", "duplicate path "+p)
			}
			seen[p] = true
		}
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}

func validateServer(s *ServerConfig, verr *util.ValidationError) {
	if s.Address == "" {
		verr.AddField("server.address", "required")
	}
	if s.APIPrefix != "" && !strings.HasPrefix(s.APIPrefix, "/") {
		verr.AddField("server.apiPrefix", "must start with /")
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.IdleTimeout < 0 {
		verr.AddField("server.timeouts", "must not be negative")
	}
	if s.ShutdownTimeout <= 0 {
		verr.AddField("server.shutdownTimeout", "must be positive")
	}
	if s.DrainPeriod < 0 {
		verr.AddField("server.drainPeriod", "must not be negative")
	}
}

func validateTasks(t *TaskStoreConfig, verr *util.ValidationError) {
	switch t.Backend {
	case TaskBackendMemory:
	case TaskBackendRedis:
		if t.Redis.URL == "" && t.Redis.Address == "" {
			verr.AddField("tasks.redis", "url or address is required")
		}
		if t.Redis.TTL < 0 {
			verr.AddField("tasks.redis.ttl", "must not be negative")
		}
	default:
		verr.AddField("tasks.backend", fmt.Sprintf("must be %q or %q", TaskBackendMemory, TaskBackendRedis))
	}

	if t.Breaker.Enabled {
		if t.Breaker.Threshold <= 0 {
			verr.AddField("tasks.circuitBreaker.threshold", "must be positive")
		}
		if t.Breaker.Timeout <= 0 {
			verr.AddField("tasks.circuitBreaker.timeout", "must be positive")
		}
	}
}

func validateObservability(o *ObservabilityConfig, verr *util.ValidationError) {
	if !validLogLevels[o.Logging.Level] {
		verr.AddField("observability.logging.level", "must be debug, info, warn or error")
	}
	if !validLogFormats[o.Logging.Format] {
		verr.AddField("observability.logging.format", "must be json or console")
	}
	if o.Tracing.SamplingRate < 0 || o.Tracing.SamplingRate > 1 {
		verr.AddField("observability.tracing.samplingRate", "must be between 0 and 1")
	}
	if o.Tracing.Enabled && o.Tracing.OTLPEndpoint == "" {
		verr.AddField("observability.tracing.otlpEndpoint", "required when tracing is enabled")
	}
}

func validateEndpoint(field string, e *EndpointConfig, verr *util.ValidationError) {
	if e.Path == "" || !strings.HasPrefix(e.Path, "/") {
		verr.AddField(field+".path", "must start with /")
	}
	if strings.ContainsAny(e.Path, ":*") {
		verr.AddField(field+".path", "must be a literal path")
	}
	switch e.Mode {
	case ModeSync, ModeAsync:
	default:
		verr.AddField(field+".mode", fmt.Sprintf("must be %q or %q", ModeSync, ModeAsync))
	}
	if !validHandlers[e.Handler] {
		verr.AddField(field+".handler", "must be echo, delay or fail")
	}
	for _, m := range e.Methods {
		if !isHTTPMethod(m) {
			verr.AddField(field+".methods", "unknown method "+m)
		}
	}
	if e.MaxConcurrentRequests != nil && *e.MaxConcurrentRequests < 0 {
		verr.AddField(field+".maxConcurrentRequests", "must not be negative")
	}
	if e.MaxContentLength != nil && *e.MaxContentLength < 0 {
		verr.AddField(field+".maxContentLength", "must not be negative")
	}
	if e.RequestsPerSecond < 0 || e.Burst < 0 {
		verr.AddField(field+".requestsPerSecond", "rate and burst must not be negative")
	}
	if e.Timeout < 0 || e.Delay < 0 {
		verr.AddField(field+".timeout", "durations must not be negative")
	}
}

func isHTTPMethod(m string) bool {
	switch strings.ToUpper(m) {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}
