package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "CONNECTGATE"

// durationPaths lists the dotted config keys that accept duration strings
var durationPaths = []string{
	"gateway.request_timeout",
	"gateway.response_cache.ttl",
	"gateway.response_cache.cleanup_interval",
	"discovery.watch_debounce",
	"backend.timeout",
	"nats.reconnect_wait",
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = prefix
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, every file layer and environment overrides, in that order
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		merged, err := mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// DefaultConfig returns the configuration used before any layer is applied
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Gateway: GatewayConfig{
			Enabled:         true,
			ListenAddress:   ":5026",
			RequestTimeout:  30 * time.Second,
			MaxRequestBytes: 4 << 20,
			MaxInFlight:     256,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				Burst:             200,
			},
			Admin: AdminConfig{Enabled: true},
			ResponseCache: ResponseCacheConfig{
				TTL:             30 * time.Second,
				MaxEntries:      1000,
				CleanupInterval: time.Minute,
			},
		},
		Discovery: DiscoveryConfig{
			WatchDebounce: 500 * time.Millisecond,
		},
		Backend: BackendConfig{
			Timeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// loadRaw reads a JSON or YAML file into a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if err := checkDocumentDepth(data); err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		// Round-trip through JSON so the map holds JSON-compatible types.
		data, err = json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid YAML structure: %w", err)
		}
		raw = nil
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations replaces duration strings at durationPaths with nanoseconds
func parseDurations(raw map[string]any) error {
	for _, path := range durationPaths {
		parts := strings.Split(path, ".")
		node := raw
		for _, part := range parts[:len(parts)-1] {
			next, ok := node[part].(map[string]any)
			if !ok {
				node = nil
				break
			}
			node = next
		}
		if node == nil {
			continue
		}
		leaf := parts[len(parts)-1]
		if s, ok := node[leaf].(string); ok {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("%s: invalid duration %q: %w", path, s, err)
			}
			node[leaf] = d.Nanoseconds()
		}
	}
	return nil
}

// mergeFromMap overlays the keys present in override onto base
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}

	return result
}

// applyEnvOverrides applies <PREFIX>_* environment variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		if err := checkEnvValue(key, val); err != nil {
			return "", false, err
		}
		return val, val != "", nil
	}

	strOverrides := map[string]*string{
		"GATEWAY_LISTEN_ADDRESS": &cfg.Gateway.ListenAddress,
		"DISCOVERY_SOURCE":       &cfg.Discovery.Source,
		"BACKEND_ENDPOINT":       &cfg.Backend.Endpoint,
		"NATS_USERNAME":          &cfg.NATS.Username,
		"NATS_PASSWORD":          &cfg.NATS.Password,
		"NATS_TOKEN":             &cfg.NATS.Token,
	}
	for name, target := range strOverrides {
		val, ok, err := env(name)
		if err != nil {
			return err
		}
		if ok {
			*target = val
		}
	}

	if val, ok, err := env("GATEWAY_ENABLED"); err != nil {
		return err
	} else if ok {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s_GATEWAY_ENABLED: %w", l.envPrefix, err)
		}
		cfg.Gateway.Enabled = enabled
	}

	if val, ok, err := env("BACKEND_TIMEOUT"); err != nil {
		return err
	} else if ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s_BACKEND_TIMEOUT: %w", l.envPrefix, err)
		}
		cfg.Backend.Timeout = d
	}

	if val, ok, err := env("NATS_URLS"); err != nil {
		return err
	} else if ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}

	return nil
}
