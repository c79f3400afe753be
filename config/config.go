package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/c360/connectgate/pkg/security"
)

// Config represents the complete gateway configuration
type Config struct {
	Version   string          `json:"version,omitempty"`
	Gateway   GatewayConfig   `json:"gateway"`
	Discovery DiscoveryConfig `json:"discovery"`
	Backend   BackendConfig   `json:"backend"`
	NATS      NATSConfig      `json:"nats,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	Security  security.Config `json:"security,omitempty"`
}

// GatewayConfig configures the RPC front-end listener. When Enabled is false
// no listener is opened; discovery, reloads and a dedicated metrics port
// still run.
type GatewayConfig struct {
	Enabled         bool                `json:"enabled"`
	ListenAddress   string              `json:"listen_address"`
	RequestTimeout  time.Duration       `json:"request_timeout,omitempty"`
	MaxRequestBytes int64               `json:"max_request_bytes,omitempty"`
	MaxInFlight     int64               `json:"max_in_flight,omitempty"`
	EnableCORS      bool                `json:"enable_cors,omitempty"`
	CORSOrigins     []string            `json:"cors_origins,omitempty"`
	RateLimit       RateLimitConfig     `json:"rate_limit,omitempty"`
	Admin           AdminConfig         `json:"admin,omitempty"`
	ResponseCache   ResponseCacheConfig `json:"response_cache,omitempty"`
}

// RateLimitConfig bounds request rate per client address
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty"`
}

// AdminConfig controls the registry inspection and reload endpoints
type AdminConfig struct {
	Enabled bool `json:"enabled"`
}

// ResponseCacheConfig configures caching of read-only contract responses
type ResponseCacheConfig struct {
	Enabled         bool          `json:"enabled"`
	TTL             time.Duration `json:"ttl,omitempty"`
	MaxEntries      int           `json:"max_entries,omitempty"`
	CleanupInterval time.Duration `json:"cleanup_interval,omitempty"`
}

// DiscoveryConfig locates the contract source. Source is a directory path or
// nats-kv://<bucket>.
type DiscoveryConfig struct {
	Source        string        `json:"source"`
	Watch         bool          `json:"watch,omitempty"`
	WatchDebounce time.Duration `json:"watch_debounce,omitempty"`
}

// BackendConfig locates the query-execution backend. Endpoint is an http(s)
// URL of a GraphQL server or nats:<subject>. Timeout is the default deadline
// of one backend call; gateway.request_timeout applies when it is zero, and
// a method's service.yaml timeout overrides both.
type BackendConfig struct {
	Endpoint string            `json:"endpoint"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// MetricsConfig configures Prometheus exposition. Port 0 serves metrics on
// the gateway listener instead of a dedicated one.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Endpoint schemes and source prefixes understood by the gateway
const (
	KVSourcePrefix    = "nats-kv://"
	NATSBackendScheme = "nats:"
)

// UsesNATS reports whether any configured collaborator needs a NATS connection.
func (c *Config) UsesNATS() bool {
	return strings.HasPrefix(c.Discovery.Source, KVSourcePrefix) ||
		strings.HasPrefix(c.Backend.Endpoint, NATSBackendScheme)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks that the four values the gateway core depends on are
// usable, plus the optional sections that are enabled.
func (c *Config) Validate() error {
	if c.Gateway.Enabled {
		if c.Gateway.ListenAddress == "" {
			return errors.New("gateway.listen_address is required when the gateway is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Gateway.ListenAddress); err != nil {
			return fmt.Errorf("gateway.listen_address: %w", err)
		}
	}

	if c.Discovery.Source == "" {
		return errors.New("discovery.source is required")
	}
	if strings.HasPrefix(c.Discovery.Source, KVSourcePrefix) &&
		strings.TrimPrefix(c.Discovery.Source, KVSourcePrefix) == "" {
		return errors.New("discovery.source: nats-kv source needs a bucket name")
	}

	if err := c.validateBackend(); err != nil {
		return err
	}

	if c.UsesNATS() && len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls is required for nats-kv sources and nats backends")
	}

	if c.Gateway.RequestTimeout < 0 || c.Backend.Timeout < 0 {
		return errors.New("timeouts cannot be negative")
	}
	if c.Backend.Timeout > 0 && (c.Backend.Timeout < 100*time.Millisecond || c.Backend.Timeout > 5*time.Minute) {
		return fmt.Errorf("backend.timeout must be between 100ms and 5m, got %v", c.Backend.Timeout)
	}

	if rl := c.Gateway.RateLimit; rl.Enabled && (rl.RequestsPerSecond <= 0 || rl.Burst <= 0) {
		return errors.New("gateway.rate_limit needs positive requests_per_second and burst")
	}

	if rc := c.Gateway.ResponseCache; rc.Enabled && rc.TTL <= 0 {
		return errors.New("gateway.response_cache.ttl must be positive when caching is enabled")
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}

	if err := c.validateSecurity(); err != nil {
		return fmt.Errorf("security configuration: %w", err)
	}

	return nil
}

func (c *Config) validateBackend() error {
	endpoint := c.Backend.Endpoint
	switch {
	case endpoint == "":
		return errors.New("backend.endpoint is required")
	case strings.HasPrefix(endpoint, NATSBackendScheme):
		if strings.TrimPrefix(endpoint, NATSBackendScheme) == "" {
			return errors.New("backend.endpoint: nats endpoint needs a subject")
		}
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
	default:
		return fmt.Errorf("backend.endpoint %q: scheme must be http, https or nats", endpoint)
	}
	return nil
}

func (c *Config) validateSecurity() error {
	server := c.Security.TLS.Server
	if server.Enabled {
		if server.CertFile == "" {
			return errors.New("tls.server.cert_file is required when TLS is enabled")
		}
		if server.KeyFile == "" {
			return errors.New("tls.server.key_file is required when TLS is enabled")
		}
		if _, err := os.Stat(server.CertFile); err != nil {
			return fmt.Errorf("tls.server.cert_file: %w", err)
		}
		if _, err := os.Stat(server.KeyFile); err != nil {
			return fmt.Errorf("tls.server.key_file: %w", err)
		}
		if server.MinVersion != "" {
			if err := validateTLSVersion(server.MinVersion); err != nil {
				return fmt.Errorf("tls.server.min_version: %w", err)
			}
		}
	}

	backend := c.Security.TLS.Backend
	for i, caFile := range backend.CAFiles {
		if _, err := os.Stat(caFile); err != nil {
			return fmt.Errorf("tls.backend.ca_files[%d]: %w", i, err)
		}
	}
	if backend.MinVersion != "" {
		if err := validateTLSVersion(backend.MinVersion); err != nil {
			return fmt.Errorf("tls.backend.min_version: %w", err)
		}
	}

	return nil
}

func validateTLSVersion(version string) error {
	switch version {
	case "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("invalid TLS version %q (must be \"1.2\" or \"1.3\")", version)
	}
}

// SaveToFile atomically writes the configuration as indented JSON
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return writeConfigFile(path, data)
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	for k := range masked.Backend.Headers {
		masked.Backend.Headers[k] = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
