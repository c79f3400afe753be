package natsclient

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/connectgate/metric"
)

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, time.Second, c.Backoff())
	assert.False(t, c.IsHealthy())
}

func TestNewClient_InvalidOption(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithCircuitBreakerThreshold(0))
	require.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithMaxBackoff(time.Millisecond))
	require.Error(t, err)
}

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(3),
		WithMetrics(registry),
	)
	require.NoError(t, err)
	// keep the half-open timer from firing during the test
	c.breaker.backoff = time.Hour

	c.recordFailure()
	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, float64(1), testutil.ToFloat64(registry.CoreMetrics().NATSCircuitBreaker))

	err = c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)

	_, err = c.Request(context.Background(), "graphql.execute", nil, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	c.resetCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(0), c.Failures())
	assert.Equal(t, float64(0), testutil.ToFloat64(registry.CoreMetrics().NATSCircuitBreaker))
}

func TestCircuitBreaker_BackoffCapped(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithCircuitBreakerThreshold(1),
		WithMaxBackoff(2*time.Second),
	)
	require.NoError(t, err)
	c.breaker.backoff = time.Hour

	c.recordFailure() // opens
	c.recordFailure() // still open, capped
	assert.Equal(t, 2*time.Second, c.Backoff())
	assert.Equal(t, int32(2), c.GetStatus().FailureCount)
}

func TestBreaker_Rounds(t *testing.T) {
	b := newBreaker(2, 8*time.Second)
	now := time.Now()

	opened, _ := b.trip(now)
	assert.False(t, opened)

	opened, wait := b.trip(now)
	assert.True(t, opened)
	assert.Equal(t, time.Second, wait)
	assert.True(t, b.isOpen())

	// a fresh round is needed before the next trip counts
	opened, wait = b.trip(now)
	assert.False(t, opened)
	assert.Zero(t, wait)
	opened, wait = b.trip(now)
	assert.False(t, opened)
	assert.Equal(t, 2*time.Second, wait)

	b.halfOpen()
	assert.False(t, b.isOpen())

	b.reset()
	failures, backoff, last := b.snapshot()
	assert.Zero(t, failures)
	assert.Equal(t, time.Second, backoff)
	assert.True(t, last.IsZero())
}

func TestNewClient_TLSOption(t *testing.T) {
	_, err := NewClient("tls://localhost:4222", WithTLS(nil))
	require.Error(t, err)

	c, err := NewClient("tls://localhost:4222", WithTLS(&tls.Config{MinVersion: tls.VersionTLS13}))
	require.NoError(t, err)
	assert.NotNil(t, c.settings.tls)
}

func TestRequest_NotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	_, err = c.Request(context.Background(), "graphql.execute", []byte("{}"), nil)
	assert.True(t, errors.Is(err, ErrNotConnected))

	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClose_Idempotent(t *testing.T) {
	c, err := NewClient("nats://localhost:4222", WithCredentials("gw", "secret"))
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
	assert.Empty(t, c.settings.password)
}

func TestIsKVErrors(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(errors.New("nats: key not found")))
	assert.False(t, IsKVNotFoundError(nil))
	assert.True(t, IsKVConflictError(errors.New("wrong last sequence: 4")))
	assert.False(t, IsKVConflictError(errors.New("timeout")))
}
