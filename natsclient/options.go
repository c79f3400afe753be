package natsclient

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/connectgate/metric"
)

// settings collects everything a ClientOption can change
type settings struct {
	name   string
	logger *slog.Logger

	maxReconnects  int
	reconnectWait  time.Duration
	pingInterval   time.Duration
	timeout        time.Duration
	drainTimeout   time.Duration
	healthInterval time.Duration

	circuitThreshold int32
	maxBackoff       time.Duration

	username string
	password string
	token    string
	tls      *tls.Config

	metrics *metric.MetricsRegistry
}

func defaultSettings() settings {
	return settings{
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
	}
}

func (s *settings) clearCredentials() {
	s.username, s.password, s.token = "", "", ""
}

// ClientOption configures a Client
type ClientOption func(*settings) error

// WithName sets the connection name reported to the server
func WithName(name string) ClientOption {
	return func(s *settings) error {
		s.name = name
		return nil
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(s *settings) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithMaxReconnects bounds reconnection attempts; -1 retries forever
func WithMaxReconnects(n int) ClientOption {
	return func(s *settings) error {
		s.maxReconnects = n
		return nil
	}
}

func WithReconnectWait(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d > 0 {
			s.reconnectWait = d
		}
		return nil
	}
}

// WithTimeout bounds dialing and the handling of one Respond message
func WithTimeout(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		s.timeout = d
		return nil
	}
}

// WithHealthInterval sets how often RTT is sampled. Zero disables sampling,
// which suits short-lived tools.
func WithHealthInterval(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d < 0 {
			return fmt.Errorf("health interval must not be negative, got %v", d)
		}
		s.healthInterval = d
		return nil
	}
}

// WithCircuitBreakerThreshold sets how many failures in a row open the circuit
func WithCircuitBreakerThreshold(threshold int32) ClientOption {
	return func(s *settings) error {
		if threshold < 1 {
			return fmt.Errorf("circuit breaker threshold must be positive, got %d", threshold)
		}
		s.circuitThreshold = threshold
		return nil
	}
}

// WithMaxBackoff caps how long the circuit stays open
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d < initialBackoff {
			return fmt.Errorf("max backoff must be at least %v, got %v", initialBackoff, d)
		}
		s.maxBackoff = d
		return nil
	}
}

// WithCredentials authenticates with a user and password
func WithCredentials(username, password string) ClientOption {
	return func(s *settings) error {
		s.username, s.password = username, password
		return nil
	}
}

// WithToken authenticates with a token. It takes precedence over credentials.
func WithToken(token string) ClientOption {
	return func(s *settings) error {
		s.token = token
		return nil
	}
}

// WithTLS secures the connection with cfg, usually built by
// tlsutil.LoadClientTLSConfig.
func WithTLS(cfg *tls.Config) ClientOption {
	return func(s *settings) error {
		if cfg == nil {
			return fmt.Errorf("nil TLS config")
		}
		s.tls = cfg
		return nil
	}
}

// WithMetrics reports connection status, RTT, reconnects and circuit state
// through the registry's core metrics.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(s *settings) error {
		s.metrics = registry
		return nil
	}
}
