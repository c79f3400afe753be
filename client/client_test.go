package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/c360/connectgate/backend"
	"github.com/c360/connectgate/config"
	"github.com/c360/connectgate/contract"
	"github.com/c360/connectgate/discovery"
	"github.com/c360/connectgate/errors"
	"github.com/c360/connectgate/gateway"
	"github.com/c360/connectgate/pkg/retry"
	"github.com/c360/connectgate/registry"
	fixtures "github.com/c360/connectgate/testutil"
	"github.com/c360/connectgate/translator"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type env struct {
	fake   *fixtures.FakeBackend
	holder *registry.Holder
	srv    *httptest.Server
}

// startGateway serves the employees fixture over TLS with HTTP/2 so every
// protocol, gRPC included, can reach it.
func startGateway(t *testing.T) *env {
	t.Helper()

	fake, endpoint := fixtures.StartFakeBackend(t)
	exec, err := backend.New(config.BackendConfig{Endpoint: endpoint}, backend.Deps{Logger: quiet})
	require.NoError(t, err)

	src := &discovery.MapSource{Name: "test", Files: fixtures.EmployeesFiles(t)}
	holder := registry.NewHolder(discovery.New(src), registry.WithLogger(quiet))
	_, err = holder.Initialize(context.Background())
	require.NoError(t, err)

	cfg := config.GatewayConfig{Enabled: true, MaxRequestBytes: 1 << 20}
	gw := gateway.New(holder, translator.New(exec, translator.WithLogger(quiet)), cfg, gateway.WithLogger(quiet))

	srv := httptest.NewUnstartedServer(gateway.NewServer(gw, gateway.WithServerLogger(quiet)).Handler())
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)

	return &env{fake: fake, holder: holder, srv: srv}
}

func (e *env) client(opts ...Option) *Client {
	opts = append([]Option{WithLogger(quiet), WithRetry(fastRetry())}, opts...)
	return New(e.srv.Client(), e.srv.URL, opts...)
}

func (e *env) contract(t *testing.T, method string) *contract.Contract {
	t.Helper()
	c, err := e.holder.Resolve(fixtures.EmployeesService, method)
	require.NoError(t, err)
	return c
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func request(t *testing.T, c *contract.Contract, js string) *dynamicpb.Message {
	t.Helper()
	msg := dynamicpb.NewMessage(c.Input)
	require.NoError(t, protojson.Unmarshal([]byte(js), msg))
	return msg
}

func TestCall_AllProtocolsAgree(t *testing.T) {
	e := startGateway(t)
	get := e.contract(t, "GetEmployeeById")

	clients := map[string]*Client{
		"connect proto": e.client(),
		"connect json":  e.client(WithJSON()),
		"connect get":   e.client(WithGET()),
		"grpc":          e.client(WithProtocol(GRPC)),
		"grpc-web":      e.client(WithProtocol(GRPCWeb)),
		"grpc-web json": e.client(WithProtocol(GRPCWeb), WithJSON()),
	}

	var want *dynamicpb.Message
	for name, c := range clients {
		t.Run(name, func(t *testing.T) {
			out, err := c.Call(context.Background(), get, request(t, get, `{"id":1}`))
			require.NoError(t, err)
			if want == nil {
				want = out
				return
			}
			assert.True(t, proto.Equal(want, out), "%s returned %v", name, out)
		})
	}
	assert.EqualValues(t, len(clients), e.fake.Calls())
}

func TestCallJSON(t *testing.T) {
	e := startGateway(t)

	out, err := e.client().CallJSON(context.Background(), e.contract(t, "FindEmployees"),
		[]byte(`{"criteria":{"nationality":"AMERICAN"}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"findEmployees":[{"id":3,"details":{"forename":"Stefan","nationality":"AMERICAN"}}]}`, string(out))

	_, err = e.client().CallJSON(context.Background(), e.contract(t, "FindEmployees"), []byte(`{"criteria":`))
	assert.Equal(t, errors.KindBadRequest, errors.KindOf(err))
}

func TestCall_Mutation(t *testing.T) {
	e := startGateway(t)
	update := e.contract(t, "UpdateEmployeeMood")

	// GET is only used for read-only contracts
	out, err := e.client(WithGET()).Call(context.Background(), update, request(t, update, `{"id":3,"mood":"MOOD_HAPPY"}`))
	require.NoError(t, err)
	assert.Equal(t, "HAPPY", e.fake.Mood(3))

	js, err := protojson.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(js), "MOOD_HAPPY")
}

func TestCall_ValidationDetails(t *testing.T) {
	e := startGateway(t)
	get := e.contract(t, "GetEmployeeById")

	_, err := e.client().Call(context.Background(), get, request(t, get, `{"id":0}`))
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, gateway.KindFromConnect(err))

	violations := gateway.FieldViolations(err)
	require.Len(t, violations, 1)
	assert.Equal(t, "id", violations[0].Field)
	assert.Zero(t, e.fake.Calls())
}

func TestCall_WrongInputType(t *testing.T) {
	e := startGateway(t)
	get := e.contract(t, "GetEmployeeById")
	update := e.contract(t, "UpdateEmployeeMood")

	_, err := e.client().Call(context.Background(), get, request(t, update, `{"id":1}`))
	assert.Equal(t, errors.KindBadRequest, errors.KindOf(err))
	assert.Zero(t, e.fake.Calls())
}

func TestCall_RetriesOnlyReadOnly(t *testing.T) {
	e := startGateway(t)
	e.fake.FailWith(http.StatusServiceUnavailable)

	get := e.contract(t, "GetEmployeeById")
	_, err := e.client().Call(context.Background(), get, request(t, get, `{"id":1}`))
	require.Error(t, err)
	assert.Equal(t, errors.KindUpstreamUnavailable, gateway.KindFromConnect(err))
	assert.EqualValues(t, 3, e.fake.Calls())

	update := e.contract(t, "UpdateEmployeeMood")
	_, err = e.client().Call(context.Background(), update, request(t, update, `{"id":1,"mood":"MOOD_SAD"}`))
	require.Error(t, err)
	assert.EqualValues(t, 4, e.fake.Calls())
}

func TestCall_NoRetryOnClientErrors(t *testing.T) {
	e := startGateway(t)
	e.fake.FailWith(http.StatusInternalServerError)

	get := e.contract(t, "GetEmployeeById")
	_, err := e.client().Call(context.Background(), get, request(t, get, `{"id":1}`))
	require.Error(t, err)
	assert.Equal(t, errors.KindUpstreamError, gateway.KindFromConnect(err))
	assert.NotContains(t, err.Error(), "10.0.0.7")
	assert.EqualValues(t, 1, e.fake.Calls())
}

func TestCall_RetryRecovers(t *testing.T) {
	e := startGateway(t)
	e.fake.FailWith(http.StatusBadGateway)

	c := e.client(WithRetry(retry.Config{
		MaxAttempts:  5,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   1,
	}))
	go func() {
		time.Sleep(30 * time.Millisecond)
		e.fake.FailWith(0)
	}()

	get := e.contract(t, "GetEmployeeById")
	out, err := c.Call(context.Background(), get, request(t, get, `{"id":2}`))
	require.NoError(t, err)
	js, err := protojson.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(js), "Dustin")
}
