package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric the gateway exports.
const Namespace = "connectgate"

// Metrics contains the gateway-level metrics
type Metrics struct {
	// Front-end
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge

	// Backend
	BackendDuration *prometheus.HistogramVec
	BackendErrors   *prometheus.CounterVec

	// Registry
	RegistryState     prometheus.Gauge
	RegistryServices  prometheus.Gauge
	RegistryContracts prometheus.Gauge
	ReloadsTotal      *prometheus.CounterVec
	LastReload        prometheus.Gauge

	// NATS
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "RPC requests by procedure, wire protocol and result code",
			},
			[]string{"service", "method", "protocol", "code"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "rpc",
				Name:      "duration_seconds",
				Help:      "RPC handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "method", "protocol"},
		),

		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "rpc",
				Name:      "in_flight",
				Help:      "Requests currently being dispatched to the backend",
			},
		),

		BackendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "backend",
				Name:      "duration_seconds",
				Help:      "Backend query duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "method"},
		),

		BackendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "backend",
				Name:      "errors_total",
				Help:      "Backend failures by kind",
			},
			[]string{"service", "method", "kind"},
		),

		RegistryState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "registry",
				Name:      "state",
				Help:      "Registry state (0=uninitialized, 1=discovering, 2=ready, 3=reloading, 4=failed)",
			},
		),

		RegistryServices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "registry",
				Name:      "services",
				Help:      "Services in the active registry",
			},
		),

		RegistryContracts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "registry",
				Name:      "contracts",
				Help:      "Contracts in the active registry",
			},
		),

		ReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "registry",
				Name:      "reloads_total",
				Help:      "Registry reloads by result (swapped, unchanged, failed)",
			},
			[]string{"result"},
		),

		LastReload: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "registry",
				Name:      "last_swap_timestamp_seconds",
				Help:      "Unix time of the last registry swap",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

func (c *Metrics) mustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.RequestsTotal,
		c.RequestDuration,
		c.InFlight,
		c.BackendDuration,
		c.BackendErrors,
		c.RegistryState,
		c.RegistryServices,
		c.RegistryContracts,
		c.ReloadsTotal,
		c.LastReload,
		c.NATSConnected,
		c.NATSRTT,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	)
}

// RecordRequest records one completed RPC
func (c *Metrics) RecordRequest(service, method, protocol, code string, duration time.Duration) {
	c.RequestsTotal.WithLabelValues(service, method, protocol, code).Inc()
	c.RequestDuration.WithLabelValues(service, method, protocol).Observe(duration.Seconds())
}

// RecordBackend records one backend invocation. kind is empty on success.
func (c *Metrics) RecordBackend(service, method, kind string, duration time.Duration) {
	c.BackendDuration.WithLabelValues(service, method).Observe(duration.Seconds())
	if kind != "" {
		c.BackendErrors.WithLabelValues(service, method, kind).Inc()
	}
}

// RecordRegistryState updates the registry state gauge
func (c *Metrics) RecordRegistryState(state int) {
	c.RegistryState.Set(float64(state))
}

// RecordRegistrySize updates the active registry size
func (c *Metrics) RecordRegistrySize(services, contracts int) {
	c.RegistryServices.Set(float64(services))
	c.RegistryContracts.Set(float64(contracts))
}

// RecordReload counts a reload attempt by result
func (c *Metrics) RecordReload(result string) {
	c.ReloadsTotal.WithLabelValues(result).Inc()
	if result == "swapped" {
		c.LastReload.SetToCurrentTime()
	}
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	c.NATSCircuitBreaker.Set(float64(state))
}
