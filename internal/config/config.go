package config

import (
	"time"

	"github.com/vyrodovalexey/gatekeeper/internal/observability"
)

// Default values.
const (
	DefaultServerAddress       = ":8080"
	DefaultAdminAddress        = ":9090"
	DefaultAPIPrefix           = "/v1"
	DefaultReadTimeout         = 30 * time.Second
	DefaultWriteTimeout        = 60 * time.Second
	DefaultIdleTimeout         = 120 * time.Second
	DefaultShutdownTimeout     = 30 * time.Second
	DefaultDrainPeriod         = 5 * time.Second
	DefaultWorkerCount         = 8
	DefaultWorkerQueueSize     = 128
	DefaultTaskTTL             = 24 * time.Hour
	DefaultBreakerThreshold    = 5
	DefaultBreakerTimeout      = 30 * time.Second
	DefaultMetricsNamespace    = "gatekeeper"
	DefaultServiceName         = "gatekeeper"
	DefaultTracingSamplingRate = 1.0
)

// Task store backends.
const (
	TaskBackendMemory = "memory"
	TaskBackendRedis  = "redis"
)

// Endpoint modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Admin         AdminConfig         `yaml:"admin" json:"admin"`
	Workers       WorkerConfig        `yaml:"workers" json:"workers"`
	Tasks         TaskStoreConfig     `yaml:"tasks" json:"tasks"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
	Endpoints     []EndpointConfig    `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`
}

// ServerConfig configures the public HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address" json:"address"`
	APIPrefix       string   `yaml:"apiPrefix" json:"apiPrefix"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`

	// DrainPeriod is how long the server keeps answering (with draining
	// rejections) after a termination signal before it stops listening.
	DrainPeriod Duration `yaml:"drainPeriod" json:"drainPeriod"`
}

// AdminConfig configures the listener serving /metrics and /ready.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// WorkerConfig sizes the async worker pool.
type WorkerConfig struct {
	Count     int `yaml:"count" json:"count"`
	QueueSize int `yaml:"queueSize" json:"queueSize"`
}

// TaskStoreConfig selects and configures the task store client.
type TaskStoreConfig struct {
	Backend string        `yaml:"backend" json:"backend"`
	Redis   RedisConfig   `yaml:"redis" json:"redis"`
	Breaker BreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
}

// RedisConfig configures the Redis task store.
type RedisConfig struct {
	URL      string   `yaml:"url,omitempty" json:"url,omitempty"`
	Address  string   `yaml:"address,omitempty" json:"address,omitempty"`
	Password string   `yaml:"password,omitempty" json:"-"`
	DB       int      `yaml:"db" json:"db"`
	Prefix   string   `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	TTL      Duration `yaml:"ttl" json:"ttl"`
}

// BreakerConfig configures the circuit breaker around the task store.
type BreakerConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	Threshold int      `yaml:"threshold" json:"threshold"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
}

// ObservabilityConfig groups logging, metrics and tracing.
type ObservabilityConfig struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`

	// DisableRejectionMetric turns off the per-endpoint rejected-state gauge.
	DisableRejectionMetric bool `yaml:"disableRejectionMetric" json:"disableRejectionMetric"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool              `yaml:"enabled" json:"enabled"`
	ServiceName  string            `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string            `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64           `yaml:"samplingRate" json:"samplingRate"`
	Insecure     bool              `yaml:"insecure" json:"insecure"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"-"`
}

// EndpointConfig declares a built-in endpoint served by the binary.
type EndpointConfig struct {
	Path    string   `yaml:"path" json:"path"`
	Methods []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	Mode    string   `yaml:"mode" json:"mode"`
	// Handler names a built-in handler: echo, delay or fail.
	Handler string `yaml:"handler" json:"handler"`
	// Delay is how long the delay handler sleeps.
	Delay Duration `yaml:"delay,omitempty" json:"delay,omitempty"`

	MaxConcurrentRequests *int     `yaml:"maxConcurrentRequests,omitempty" json:"maxConcurrentRequests,omitempty"`
	AcceptedContentTypes  []string `yaml:"acceptedContentTypes,omitempty" json:"acceptedContentTypes,omitempty"`
	MaxContentLength      *int64   `yaml:"maxContentLength,omitempty" json:"maxContentLength,omitempty"`
	RequestsPerSecond     float64  `yaml:"requestsPerSecond,omitempty" json:"requestsPerSecond,omitempty"`
	Burst                 int      `yaml:"burst,omitempty" json:"burst,omitempty"`
	TraceName             string   `yaml:"traceName,omitempty" json:"traceName,omitempty"`
	Timeout               Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	logCfg := observability.DefaultLogConfig()

	return &Config{
		Server: ServerConfig{
			Address:         DefaultServerAddress,
			APIPrefix:       DefaultAPIPrefix,
			ReadTimeout:     Duration(DefaultReadTimeout),
			WriteTimeout:    Duration(DefaultWriteTimeout),
			IdleTimeout:     Duration(DefaultIdleTimeout),
			ShutdownTimeout: Duration(DefaultShutdownTimeout),
			DrainPeriod:     Duration(DefaultDrainPeriod),
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: DefaultAdminAddress,
		},
		Workers: WorkerConfig{
			Count:     DefaultWorkerCount,
			QueueSize: DefaultWorkerQueueSize,
		},
		Tasks: TaskStoreConfig{
			Backend: TaskBackendMemory,
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "gatekeeper:task:",
				TTL:     Duration(DefaultTaskTTL),
			},
			Breaker: BreakerConfig{
				Enabled:   true,
				Threshold: DefaultBreakerThreshold,
				Timeout:   Duration(DefaultBreakerTimeout),
			},
		},
		Observability: ObservabilityConfig{
			Logging: LoggingConfig{
				Level:  logCfg.Level,
				Format: logCfg.Format,
				Output: logCfg.Output,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: DefaultMetricsNamespace,
			},
			Tracing: TracingConfig{
				ServiceName:  DefaultServiceName,
				SamplingRate: DefaultTracingSamplingRate,
			},
		},
	}
}

// LogConfig converts the logging section for observability.NewLogger.
func (c LoggingConfig) LogConfig() observability.LogConfig {
	return observability.LogConfig{Level: c.Level, Format: c.Format, Output: c.Output}
}

// TracerConfig converts the tracing section for observability.NewTracer.
func (c TracingConfig) TracerConfig() observability.TracerConfig {
	return observability.TracerConfig{
		ServiceName:  c.ServiceName,
		OTLPEndpoint: c.OTLPEndpoint,
		SamplingRate: c.SamplingRate,
		Enabled:      c.Enabled,
		Insecure:     c.Insecure,
		Headers:      c.Headers,
	}
}
