package metric

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/connectgate/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.Same(t, registry.Metrics, registry.CoreMetrics())
}

func TestMetricsRegistry_Register(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter", Help: "A test counter"})
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_gauge", Help: "A test gauge"})
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram", Help: "A test histogram"})
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_vec", Help: "A test vec"}, []string{"kind"})

	require.NoError(t, registry.RegisterCounter("translator", "test_counter", counter))
	require.NoError(t, registry.RegisterGauge("translator", "test_gauge", gauge))
	require.NoError(t, registry.RegisterHistogram("translator", "test_histogram", histogram))
	require.NoError(t, registry.RegisterCounterVec("translator", "test_vec", vec))

	counter.Inc()
	gauge.Set(42)
	histogram.Observe(0.5)
	vec.WithLabelValues("a").Inc()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, name := range []string{"test_counter", "test_gauge", "test_histogram", "test_vec"} {
		assert.True(t, names[name], name)
	}
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "dup"})
	require.NoError(t, registry.RegisterCounter("cache", "dup_counter", first))

	err := registry.RegisterCounter("cache", "dup_counter", first)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same metric name under a different key collides in Prometheus.
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "dup"})
	err = registry.RegisterCounter("other", "dup_counter", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "temp_gauge", Help: "temp"})
	require.NoError(t, registry.RegisterGauge("cache", "temp_gauge", gauge))

	assert.True(t, registry.Unregister("cache", "temp_gauge"))
	assert.False(t, registry.Unregister("cache", "temp_gauge"))

	// The name is free again.
	require.NoError(t, registry.RegisterGauge("cache", "temp_gauge", gauge))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g := prometheus.NewGauge(prometheus.GaugeOpts{
				Name:        "concurrent_gauge",
				Help:        "concurrent",
				ConstLabels: prometheus.Labels{"n": string(rune('a' + i))},
			})
			errs <- registry.RegisterGauge(string(rune('a'+i)), "concurrent_gauge", g)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetricsRegistry().Metrics

	m.RecordRequest("employees.v1.HrService", "GetEmployeeById", "connect", "ok", 10*time.Millisecond)
	m.RecordRequest("employees.v1.HrService", "GetEmployeeById", "connect", "ok", 20*time.Millisecond)
	m.RecordBackend("employees.v1.HrService", "GetEmployeeById", "UPSTREAM_TIMEOUT", time.Second)
	m.RecordReload("swapped")
	m.RecordReload("failed")
	m.RecordRegistrySize(1, 3)
	m.RecordRegistryState(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("employees.v1.HrService", "GetEmployeeById", "connect", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendErrors.WithLabelValues("employees.v1.HrService", "GetEmployeeById", "UPSTREAM_TIMEOUT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReloadsTotal.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RegistryContracts))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RegistryState))
	assert.Greater(t, testutil.ToFloat64(m.LastReload), 0.0)
}

func TestMetricsRegistry_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.Metrics.RecordRegistrySize(2, 5)

	srv := httptest.NewServer(registry.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	require.NoError(t, err)

	mf, ok := families["connectgate_registry_contracts"]
	require.True(t, ok, "registry contracts gauge should be exported")
	assert.Equal(t, dto.MetricType_GAUGE, mf.GetType())
	assert.Equal(t, 5.0, mf.GetMetric()[0].GetGauge().GetValue())

	_, ok = families["go_goroutines"]
	assert.True(t, ok, "go collector should be registered")
}
