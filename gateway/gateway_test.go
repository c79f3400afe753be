package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/protobuf/proto"

	"github.com/c360/connectgate/backend"
	"github.com/c360/connectgate/config"
	"github.com/c360/connectgate/contract"
	"github.com/c360/connectgate/discovery"
	"github.com/c360/connectgate/errors"
	"github.com/c360/connectgate/metric"
	"github.com/c360/connectgate/registry"
	fixtures "github.com/c360/connectgate/testutil"
	"github.com/c360/connectgate/translator"
)

const hr = fixtures.EmployeesService

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	fake    *fixtures.FakeBackend
	src     *discovery.MapSource
	holder  *registry.Holder
	gateway *Gateway
	server  *Server
	handler http.Handler
	metrics *metric.MetricsRegistry
}

func defaultConfig() config.GatewayConfig {
	return config.GatewayConfig{
		Enabled:         true,
		ListenAddress:   "127.0.0.1:0",
		MaxRequestBytes: 1 << 20,
		Admin:           config.AdminConfig{Enabled: true},
	}
}

func newHarness(t *testing.T, mutate ...func(*config.GatewayConfig)) *harness {
	t.Helper()
	h := newUninitialized(t, mutate...)
	_, err := h.holder.Initialize(context.Background())
	require.NoError(t, err)
	return h
}

// newUninitialized wires everything but leaves the registry undiscovered
func newUninitialized(t *testing.T, mutate ...func(*config.GatewayConfig)) *harness {
	t.Helper()
	cfg := defaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	fake, endpoint := fixtures.StartFakeBackend(t)
	exec, err := backend.New(config.BackendConfig{Endpoint: endpoint}, backend.Deps{Logger: quiet})
	require.NoError(t, err)

	src := &discovery.MapSource{Name: "test", Files: fixtures.EmployeesFiles(t)}
	holder := registry.NewHolder(discovery.New(src, discovery.WithLogger(quiet)), registry.WithLogger(quiet))

	metrics := metric.NewMetricsRegistry()
	tr := translator.New(exec, translator.WithLogger(quiet), translator.WithMetrics(metrics))
	gw := New(holder, tr, cfg, WithLogger(quiet), WithMetrics(metrics))
	srv := NewServer(gw, WithServerLogger(quiet), WithMetricsHandler("/metrics", metrics.Handler()))

	return &harness{
		fake:    fake,
		src:     src,
		holder:  holder,
		gateway: gw,
		server:  srv,
		handler: srv.Handler(),
		metrics: metrics,
	}
}

func (h *harness) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	res := rec.Result()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, body
}

func (h *harness) post(t *testing.T, procedure, body string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, procedure, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connect-Protocol-Version", "1")
	return h.do(t, req)
}

func (h *harness) get(t *testing.T, procedure, message string) (*http.Response, []byte) {
	t.Helper()
	q := url.Values{}
	q.Set("encoding", "json")
	q.Set("message", message)
	q.Set("connect", "v1")
	return h.do(t, httptest.NewRequest(http.MethodGet, procedure+"?"+q.Encode(), nil))
}

func (h *harness) contract(t *testing.T, method string) *contract.Contract {
	t.Helper()
	c, err := h.holder.Resolve(hr, method)
	require.NoError(t, err)
	return c
}

func procedure(method string) string {
	return "/" + hr + "/" + method
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"details"`
}

// decodeError parses a Connect error body and its ErrorInfo detail
func decodeError(t *testing.T, body []byte) (wireError, *errdetails.ErrorInfo) {
	t.Helper()
	var we wireError
	require.NoError(t, json.Unmarshal(body, &we), string(body))
	for _, d := range we.Details {
		if d.Type != "google.rpc.ErrorInfo" {
			continue
		}
		raw, err := base64.RawStdEncoding.DecodeString(d.Value)
		require.NoError(t, err)
		info := &errdetails.ErrorInfo{}
		require.NoError(t, proto.Unmarshal(raw, info))
		return we, info
	}
	t.Fatalf("no ErrorInfo detail in %s", body)
	return we, nil
}

// A read-only call over POST JSON returns the shaped employee.
func TestGateway_PostJSON(t *testing.T) {
	h := newHarness(t)

	res, body := h.post(t, procedure("GetEmployeeById"), `{"id": 1}`)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Equal(t, "application/json", res.Header.Get("Content-Type"))
	assert.NotEmpty(t, res.Header.Get(RequestIDHeader))

	var out struct {
		Employee struct {
			ID          int    `json:"id"`
			CurrentMood string `json:"currentMood"`
			Details     struct {
				Forename string `json:"forename"`
			} `json:"details"`
		} `json:"employee"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 1, out.Employee.ID)
	assert.Equal(t, "MOOD_HAPPY", out.Employee.CurrentMood)
	assert.Equal(t, "Jens", out.Employee.Details.Forename)
	assert.EqualValues(t, 1, h.fake.Calls())

	core := h.metrics.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(core.RequestsTotal.WithLabelValues(hr, "GetEmployeeById", ProtocolConnect, "ok")))
}

// GET with an encoded message answers exactly like the equivalent POST.
func TestGateway_GetMatchesPost(t *testing.T) {
	h := newHarness(t)

	_, posted := h.post(t, procedure("GetEmployeeById"), `{"id": 1}`)
	res, got := h.get(t, procedure("GetEmployeeById"), `{"id":1}`)
	require.Equal(t, http.StatusOK, res.StatusCode, string(got))
	assert.Equal(t, string(posted), string(got))

	for _, tc := range []struct{ post, get string }{
		{`{}`, `{}`},
		{`{"criteria": {"nationality": "GERMAN"}}`, `{"criteria":{"nationality":"GERMAN"}}`},
	} {
		_, posted := h.post(t, procedure("FindEmployees"), tc.post)
		res, got := h.get(t, procedure("FindEmployees"), tc.get)
		require.Equal(t, http.StatusOK, res.StatusCode, string(got))
		assert.Equal(t, string(posted), string(got), tc.get)
	}
}

// GET against a mutating contract is refused whatever the arguments.
func TestGateway_GetOnMutationNotAllowed(t *testing.T) {
	h := newHarness(t)

	for _, message := range []string{
		`{"id":1,"mood":"MOOD_HAPPY"}`,
		`{"id":"not a number"}`,
		`not json at all`,
	} {
		res, body := h.get(t, procedure("UpdateEmployeeMood"), message)
		require.Equal(t, http.StatusMethodNotAllowed, res.StatusCode, message)
		assert.Equal(t, http.MethodPost, res.Header.Get("Allow"))

		we, info := decodeError(t, body)
		assert.Equal(t, "unimplemented", we.Code)
		assert.Equal(t, "METHOD_NOT_ALLOWED", info.GetReason())
		assert.Equal(t, ErrorDomain, info.GetDomain())
		assert.Equal(t, procedure("UpdateEmployeeMood"), info.GetMetadata()["procedure"])
	}
	assert.Zero(t, h.fake.Calls())
	assert.Equal(t, "SAD", h.fake.Mood(3))
}

// An unregistered method is NotFound and never reaches the backend.
func TestGateway_UnknownMethod(t *testing.T) {
	h := newHarness(t)

	res, body := h.post(t, procedure("GetEmployeeXYZ"), `{"id": 1}`)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	we, info := decodeError(t, body)
	assert.Equal(t, "not_found", we.Code)
	assert.Equal(t, "NOT_FOUND", info.GetReason())
	assert.Contains(t, we.Message, "GetEmployeeXYZ")

	res, _ = h.post(t, "/employees.v9.Nope/GetEmployeeById", `{}`)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	assert.Zero(t, h.fake.Calls())
}

func TestGateway_Mutation(t *testing.T) {
	h := newHarness(t)

	res, body := h.post(t, procedure("UpdateEmployeeMood"), `{"id": 3, "mood": "MOOD_HAPPY"}`)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.Equal(t, "HAPPY", h.fake.Mood(3))
	var out struct {
		UpdateMood struct {
			CurrentMood string `json:"currentMood"`
		} `json:"updateMood"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "MOOD_HAPPY", out.UpdateMood.CurrentMood)
}

func TestGateway_RejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		reason string
		field  string
	}{
		{name: "unknown field", body: `{"id": 1, "bogus": true}`},
		{name: "type mismatch", body: `{"id": "abc"}`},
		{name: "malformed", body: `{"id": `},
		{name: "missing required", body: `{}`, reason: "VALIDATION_ERROR", field: "id"},
		{name: "below minimum", body: `{"id": 0}`, reason: "VALIDATION_ERROR", field: "id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res, body := h.post(t, procedure("GetEmployeeById"), tt.body)
			assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))

			var we wireError
			require.NoError(t, json.Unmarshal(body, &we))
			assert.Equal(t, "invalid_argument", we.Code)
			if tt.reason != "" {
				_, info := decodeError(t, body)
				assert.Equal(t, tt.reason, info.GetReason())
				assert.Contains(t, we.Message, tt.field)
			}
			assert.Zero(t, h.fake.Calls())
		})
	}
}

func TestGateway_UnsupportedEncoding(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, procedure("GetEmployeeById"), strings.NewReader(`id=1`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, body := h.do(t, req)
	require.Equal(t, http.StatusUnsupportedMediaType, res.StatusCode)
	_, info := decodeError(t, body)
	assert.Equal(t, "UNSUPPORTED_ENCODING", info.GetReason())

	req = httptest.NewRequest(http.MethodPost, procedure("GetEmployeeById"), strings.NewReader(`{"id":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connect-Protocol-Version", "7")
	res, _ = h.do(t, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, res.StatusCode)

	res, _ = h.do(t, httptest.NewRequest(http.MethodGet, procedure("GetEmployeeById")+"?message=%7B%7D", nil))
	assert.Equal(t, http.StatusUnsupportedMediaType, res.StatusCode)

	res, _ = h.do(t, httptest.NewRequest(http.MethodGet, procedure("GetEmployeeById")+"?encoding=xml&message=%7B%7D", nil))
	assert.Equal(t, http.StatusUnsupportedMediaType, res.StatusCode)

	assert.Zero(t, h.fake.Calls())
}

func TestGateway_OtherVerbs(t *testing.T) {
	h := newHarness(t)

	res, _ := h.do(t, httptest.NewRequest(http.MethodPut, procedure("GetEmployeeById"), strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	assert.Equal(t, "GET, POST", res.Header.Get("Allow"))

	res, _ = h.do(t, httptest.NewRequest(http.MethodDelete, procedure("UpdateEmployeeMood"), nil))
	assert.Equal(t, http.StatusMethodNotAllowed, res.StatusCode)
	assert.Equal(t, http.MethodPost, res.Header.Get("Allow"))
}

func TestGateway_NotReady(t *testing.T) {
	h := newUninitialized(t)

	res, body := h.post(t, procedure("GetEmployeeById"), `{"id": 1}`)
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	we, info := decodeError(t, body)
	assert.Equal(t, "unavailable", we.Code)
	assert.Equal(t, "NOT_READY", info.GetReason())

	res, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	res, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, res.StatusCode)

	_, err := h.holder.Initialize(context.Background())
	require.NoError(t, err)

	res, body = h.post(t, procedure("GetEmployeeById"), `{"id": 1}`)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(body))
	res, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestGateway_UpstreamFailuresAreSanitized(t *testing.T) {
	h := newHarness(t)
	h.fake.FailWith(http.StatusInternalServerError)

	res, body := h.post(t, procedure("GetEmployeeById"), `{"id": 1}`)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	we, info := decodeError(t, body)
	assert.Equal(t, "unknown", we.Code)
	assert.Equal(t, "UPSTREAM_ERROR", info.GetReason())
	assert.NotContains(t, string(body), "10.0.0.7")

	h.fake.FailWith(http.StatusServiceUnavailable)
	res, body = h.post(t, procedure("GetEmployeeById"), `{"id": 1}`)
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	_, info = decodeError(t, body)
	assert.Equal(t, "UPSTREAM_UNAVAILABLE", info.GetReason())
	assert.NotContains(t, string(body), "10.0.0.7")
}

func TestGateway_AdminServices(t *testing.T) {
	h := newHarness(t)

	res, body := h.do(t, httptest.NewRequest(http.MethodGet, "/admin/services", nil))
	require.Equal(t, http.StatusOK, res.StatusCode)

	var listing ServiceListing
	require.NoError(t, json.Unmarshal(body, &listing))
	assert.Equal(t, "ready", listing.State)
	assert.Equal(t, h.holder.Current().Fingerprint(), listing.Fingerprint)
	require.Len(t, listing.Services, 1)
	svc := listing.Services[0]
	assert.Equal(t, hr, svc.Name)
	require.Len(t, svc.Methods, 4)

	byName := map[string]MethodInfo{}
	for _, m := range svc.Methods {
		byName[m.Name] = m
	}
	assert.Equal(t, "read_only", byName["GetEmployeeById"].Kind)
	assert.Equal(t, "2s", byName["GetEmployeeById"].Timeout)
	assert.Equal(t, "mutating", byName["UpdateEmployeeMood"].Kind)
	assert.True(t, byName["ListEmployees"].Cacheable)
	assert.Equal(t, procedure("FindEmployees"), byName["FindEmployees"].Procedure)
}

func TestGateway_AdminDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.GatewayConfig) { c.Admin.Enabled = false })

	res, _ := h.do(t, httptest.NewRequest(http.MethodPost, "/admin/reload", nil))
	assert.NotEqual(t, http.StatusOK, res.StatusCode)
}

func TestGateway_AdminReload(t *testing.T) {
	h := newHarness(t)
	reload := func() (int, ReloadResult) {
		res, body := h.do(t, httptest.NewRequest(http.MethodPost, "/admin/reload", nil))
		var out ReloadResult
		require.NoError(t, json.Unmarshal(body, &out))
		return res.StatusCode, out
	}

	status, out := reload()
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "unchanged", out.Outcome)

	h.src.Files["employees/CountEmployees.graphql"] = []byte("query CountEmployees { employees { id } }")
	status, out = reload()
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "swapped", out.Outcome)
	assert.Equal(t, 5, out.Contracts)
	assert.Contains(t, h.gateway.Procedures(), procedure("CountEmployees"))

	countEmployees := func() {
		t.Helper()
		res, body := h.post(t, procedure("CountEmployees"), `{}`)
		require.Equal(t, http.StatusOK, res.StatusCode, string(body))
		var out struct {
			Employees []struct {
				ID int `json:"id"`
			} `json:"employees"`
		}
		require.NoError(t, json.Unmarshal(body, &out))
		assert.Len(t, out.Employees, 4)
	}
	countEmployees()

	h.src.Files["employees/service.yaml"] = []byte("package: [")
	status, out = reload()
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "failed", out.Outcome)
	assert.NotEmpty(t, out.Error)

	// the previous registry keeps serving
	countEmployees()
	res, _ := h.do(t, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestGateway_RateLimit(t *testing.T) {
	h := newHarness(t, func(c *config.GatewayConfig) {
		c.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 1}
	})

	res, _ := h.post(t, procedure("GetEmployeeById"), `{"id": 1}`)
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, body := h.post(t, procedure("GetEmployeeById"), `{"id": 1}`)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "1", res.Header.Get("Retry-After"))
	we, info := decodeError(t, body)
	assert.Equal(t, "resource_exhausted", we.Code)
	assert.Equal(t, "RATE_LIMITED", info.GetReason())

	// health is not rate limited
	res, _ = h.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.EqualValues(t, 1, h.fake.Calls())
}

func TestGateway_CORS(t *testing.T) {
	h := newHarness(t, func(c *config.GatewayConfig) {
		c.EnableCORS = true
		c.CORSOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, procedure("GetEmployeeById"), nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res, _ := h.do(t, req)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	assert.Equal(t, "https://app.example.com", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, res.Header.Get("Access-Control-Allow-Headers"), "Connect-Protocol-Version")

	req = httptest.NewRequest(http.MethodOptions, procedure("GetEmployeeById"), nil)
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	res, _ = h.do(t, req)
	assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))
}

func TestGateway_RequestID(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, procedure("GetEmployeeById"), strings.NewReader(`{"id":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, "trace-123")
	res, _ := h.do(t, req)
	assert.Equal(t, "trace-123", res.Header.Get(RequestIDHeader))

	res, _ = h.post(t, procedure("GetEmployeeById"), `{"id":1}`)
	assert.Len(t, res.Header.Get(RequestIDHeader), 36)
}

func TestGateway_MetricsOnListener(t *testing.T) {
	h := newHarness(t)
	h.post(t, procedure("GetEmployeeXYZ"), `{}`)

	res, body := h.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "connectgate_rpc_requests_total")

	core := h.metrics.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(
		core.RequestsTotal.WithLabelValues(unknownLabel, unknownLabel, ProtocolConnect, "not_found")))
}

func TestServer_SetupRejectsDisabledGateway(t *testing.T) {
	h := newHarness(t, func(c *config.GatewayConfig) {
		c.Enabled = false
		c.ListenAddress = ""
	})

	err := h.server.Setup()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.True(t, errors.IsFatal(err))

	assert.Error(t, h.server.Start(context.Background(), nil))
	assert.False(t, h.server.IsRunning())
	assert.Nil(t, h.server.Addr())
}
