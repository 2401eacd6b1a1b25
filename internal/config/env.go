package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/gatekeeper/internal/util"
)

// Environment variables that override the configuration file.
const (
	EnvAPIPrefix                   = "API_PREFIX"
	EnvDisableCurrentRequestMetric = "DISABLE_CURRENT_REQUEST_METRIC"
	EnvTraceSamplingRate           = "TRACE_SAMPLING_RATE"
	EnvOTLPEndpoint                = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvRedisURL                    = "REDIS_URL"
	EnvLogLevel                    = "GATEKEEPER_LOG_LEVEL"
	EnvLogFormat                   = "GATEKEEPER_LOG_FORMAT"
	EnvServerAddress               = "GATEKEEPER_ADDRESS"
	EnvConfigPath                  = "GATEKEEPER_CONFIG_PATH"
)

// ApplyEnv applies environment overrides to cfg. Setting
// OTEL_EXPORTER_OTLP_ENDPOINT enables tracing and setting REDIS_URL
// switches the task store to Redis.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		return nil
	}

	if v, ok := lookup(EnvAPIPrefix); ok {
		cfg.Server.APIPrefix = strings.TrimSpace(v)
	}
	if v, ok := nonEmpty(lookup, EnvServerAddress); ok {
		cfg.Server.Address = v
	}

	if v, ok := nonEmpty(lookup, EnvDisableCurrentRequestMetric); ok {
		disabled, err := parseBool(v)
		if err != nil {
			return envError(EnvDisableCurrentRequestMetric, v, err)
		}
		cfg.Observability.Metrics.DisableRejectionMetric = disabled
	}

	if v, ok := nonEmpty(lookup, EnvTraceSamplingRate); ok {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envError(EnvTraceSamplingRate, v, err)
		}
		cfg.Observability.Tracing.SamplingRate = rate
	}
	if v, ok := nonEmpty(lookup, EnvOTLPEndpoint); ok {
		cfg.Observability.Tracing.OTLPEndpoint = v
		cfg.Observability.Tracing.Enabled = true
	}

	if v, ok := nonEmpty(lookup, EnvRedisURL); ok {
		cfg.Tasks.Backend = TaskBackendRedis
		cfg.Tasks.Redis.URL = v
	}

	if v, ok := nonEmpty(lookup, EnvLogLevel); ok {
		cfg.Observability.Logging.Level = strings.ToLower(v)
	}
	if v, ok := nonEmpty(lookup, EnvLogFormat); ok {
		cfg.Observability.Logging.Format = strings.ToLower(v)
	}

	return nil
}

func nonEmpty(lookup LookupFunc, key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// parseBool accepts the strconv forms plus yes/no and on/off.
func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "yes", "on", "y":
		return true, nil
	case "no", "off", "n":
		return false, nil
	}
	return strconv.ParseBool(v)
}

func envError(key, value string, err error) error {
	return fmt.Errorf("%w: environment variable %s=%q: %w", util.ErrConfigInvalid, key, value, err)
}
