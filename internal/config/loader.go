package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Loader reads configuration files.
type Loader struct {
	lookup LookupFunc
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLookup replaces os.LookupEnv, mainly for tests.
func WithLookup(fn LookupFunc) LoaderOption {
	return func(l *Loader) {
		if fn != nil {
			l.lookup = fn
		}
	}
}

// NewLoader creates a new configuration loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads, overrides and validates the configuration at path. An empty
// path yields the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Load reads, overrides and validates the configuration at path.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		return l.finish(DefaultConfig())
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	data, err := os.ReadFile(absPath) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := l.parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return l.finish(cfg)
}

// LoadFromReader reads configuration from r, then applies overrides and
// validation.
func (l *Loader) LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := l.parse(data)
	if err != nil {
		return nil, err
	}
	return l.finish(cfg)
}

// parse decodes YAML on top of DefaultConfig so omitted keys keep defaults.
func (l *Loader) parse(data []byte) (*Config, error) {
	content := l.substituteEnvVars(string(data))

	cfg := DefaultConfig()
	if strings.TrimSpace(content) == "" {
		return cfg, nil
	}

	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

func (l *Loader) finish(cfg *Config) (*Config, error) {
	if err := ApplyEnv(cfg, l.lookup); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} patterns. "$$"
// escapes a literal dollar sign.
func (l *Loader) substituteEnvVars(content string) string {
	content = strings.ReplaceAll(content, "$$", "\x00ESCAPED_DOLLAR\x00")

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		if value, ok := l.lookup(submatches[1]); ok {
			return value
		}
		if len(submatches) >= 3 {
			return submatches[2]
		}
		return ""
	})

	return strings.ReplaceAll(result, "\x00ESCAPED_DOLLAR\x00", "$")
}

// ResolveConfigPath returns the first existing config file among explicit,
// $GATEKEEPER_CONFIG_PATH and the standard locations. It returns "" when none
// exists and no path was requested explicitly.
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	candidates := []string{
		os.Getenv(EnvConfigPath),
		"configs/gatekeeper.yaml",
		"gatekeeper.yaml",
		"/etc/gatekeeper/gatekeeper.yaml",
	}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}
