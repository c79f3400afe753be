package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/c360/connectgate/config"
	"github.com/c360/connectgate/errors"
	"github.com/c360/connectgate/natsclient"
	"github.com/c360/connectgate/testutil"
)

const getEmployee = `query GetEmployeeById($id: Int!) { employee(id: $id) { id } }`

func TestGraphQLExecutor_Success(t *testing.T) {
	fake, endpoint := testutil.StartFakeBackend(t)
	exec, err := NewGraphQLExecutor(endpoint, WithHeaders(map[string]string{"X-Tenant": "hr"}))
	require.NoError(t, err)

	res, err := exec.Execute(context.Background(), Query{
		Query:         getEmployee,
		OperationName: "GetEmployeeById",
		Variables:     map[string]any{"id": 1},
		RequestID:     "req-1",
	})
	require.NoError(t, err)

	var data struct {
		Employee struct {
			ID int `json:"id"`
		} `json:"employee"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &data))
	assert.Equal(t, 1, data.Employee.ID)

	req, ok := fake.LastRequest()
	require.True(t, ok)
	assert.Equal(t, "GetEmployeeById", req.OperationName)
	assert.JSONEq(t, `{"id":1}`, string(req.Variables))
}

func TestGraphQLExecutor_SendsHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`{"data":{"ok":true}}`))
	}))
	defer srv.Close()

	exec, err := NewGraphQLExecutor(srv.URL, WithHeaders(map[string]string{"X-Tenant": "hr"}))
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), Query{Query: "{ok}", RequestID: "req-9"})
	require.NoError(t, err)

	assert.Equal(t, "hr", got.Get("X-Tenant"))
	assert.Equal(t, "req-9", got.Get("X-Request-ID"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
}

func TestGraphQLExecutor_ErrorKinds(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    errors.Kind
	}{
		{
			name:    "bad gateway",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) },
			want:    errors.KindUpstreamUnavailable,
		},
		{
			name:    "service unavailable",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
			want:    errors.KindUpstreamUnavailable,
		},
		{
			name:    "internal error",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			want:    errors.KindUpstreamError,
		},
		{
			name: "graphql errors",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"data":null,"errors":[{"message":"db down at 10.1.1.1","path":["employee"]}]}`))
			},
			want: errors.KindUpstreamError,
		},
		{
			name: "graphql errors with 400",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"errors":[{"message":"Variable \"$id\" got invalid value"}]}`))
			},
			want: errors.KindUpstreamError,
		},
		{
			name:    "not json",
			handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("<html>")) },
			want:    errors.KindUpstreamError,
		},
		{
			name:    "no data",
			handler: func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"data":null}`)) },
			want:    errors.KindUpstreamError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			exec, err := NewGraphQLExecutor(srv.URL)
			require.NoError(t, err)
			_, err = exec.Execute(context.Background(), Query{Query: "{ok}"})
			require.Error(t, err)
			assert.Equal(t, tt.want, errors.KindOf(err))
			assert.NotContains(t, errors.PublicMessage(err), "10.1.1.1")
			assert.NotContains(t, errors.PublicMessage(err), srv.URL)
		})
	}
}

func TestGraphQLExecutor_Timeout(t *testing.T) {
	fake, endpoint := testutil.StartFakeBackend(t)
	fake.SetDelay(time.Second)

	exec, err := NewGraphQLExecutor(endpoint)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = exec.Execute(ctx, Query{Query: getEmployee, OperationName: "GetEmployeeById"})
	assert.Equal(t, errors.KindUpstreamTimeout, errors.KindOf(err))
}

func TestGraphQLExecutor_Canceled(t *testing.T) {
	fake, endpoint := testutil.StartFakeBackend(t)
	fake.SetDelay(time.Second)

	exec, err := NewGraphQLExecutor(endpoint)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = exec.Execute(ctx, Query{Query: getEmployee})
	assert.Equal(t, errors.KindCanceled, errors.KindOf(err))
}

func TestGraphQLExecutor_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	exec, err := NewGraphQLExecutor(url)
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), Query{Query: "{ok}"})
	assert.Equal(t, errors.KindUpstreamUnavailable, errors.KindOf(err))
	assert.NotContains(t, errors.PublicMessage(err), url)
}

func TestNewGraphQLExecutor_InvalidEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "ftp://x", "http://", "::"} {
		_, err := NewGraphQLExecutor(endpoint)
		assert.Error(t, err, endpoint)
	}
}

type mockRequester struct {
	mock.Mock
}

func (m *mockRequester) Request(ctx context.Context, subject string, data []byte, header nats.Header) ([]byte, error) {
	args := m.Called(ctx, subject, data, header)
	reply, _ := args.Get(0).([]byte)
	return reply, args.Error(1)
}

func TestNATSExecutor_Success(t *testing.T) {
	fake := testutil.NewFakeBackend()
	conn := &mockRequester{}
	conn.On("Request", mock.Anything, "graphql.employees", mock.Anything, mock.Anything).
		Return(func() []byte {
			body, _ := json.Marshal(testutil.GraphQLRequest{
				Query: getEmployee, OperationName: "GetEmployeeById", Variables: json.RawMessage(`{"id":2}`),
			})
			return fake.HandleMessage(body)
		}(), nil).Once()

	exec, err := NewNATSExecutor(conn, "graphql.employees", WithNATSHeaders(map[string]string{"X-Tenant": "hr"}))
	require.NoError(t, err)

	res, err := exec.Execute(context.Background(), Query{
		Query: getEmployee, OperationName: "GetEmployeeById", Variables: map[string]any{"id": 2}, RequestID: "r-2",
	})
	require.NoError(t, err)
	assert.Contains(t, string(res.Data), `"id":2`)

	conn.AssertExpectations(t)
	header := conn.Calls[0].Arguments.Get(3).(nats.Header)
	assert.Equal(t, "r-2", header.Get("X-Request-ID"))
	assert.Equal(t, "hr", header.Get("X-Tenant"))

	var sent Query
	require.NoError(t, json.Unmarshal(conn.Calls[0].Arguments.Get(2).([]byte), &sent))
	assert.Equal(t, "GetEmployeeById", sent.OperationName)
}

func TestNATSExecutor_ErrorKinds(t *testing.T) {
	tests := []struct {
		err  error
		want errors.Kind
	}{
		{nats.ErrNoResponders, errors.KindUpstreamUnavailable},
		{natsclient.ErrNotConnected, errors.KindUpstreamUnavailable},
		{natsclient.ErrCircuitOpen, errors.KindUpstreamUnavailable},
		{nats.ErrConnectionClosed, errors.KindUpstreamUnavailable},
		{nats.ErrTimeout, errors.KindUpstreamTimeout},
		{nats.ErrBadSubject, errors.KindUpstreamError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			conn := &mockRequester{}
			conn.On("Request", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)

			exec, err := NewNATSExecutor(conn, "graphql")
			require.NoError(t, err)
			_, err = exec.Execute(context.Background(), Query{Query: "{ok}"})
			assert.Equal(t, tt.want, errors.KindOf(err))
		})
	}
}

func TestNATSExecutor_DeadlineWins(t *testing.T) {
	conn := &mockRequester{}
	conn.On("Request", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, context.DeadlineExceeded)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	exec, err := NewNATSExecutor(conn, "graphql")
	require.NoError(t, err)
	_, err = exec.Execute(ctx, Query{Query: "{ok}"})
	assert.Equal(t, errors.KindUpstreamTimeout, errors.KindOf(err))
}

func TestNew_SelectsByScheme(t *testing.T) {
	exec, err := New(config.BackendConfig{Endpoint: "http://localhost:4000/graphql"}, Deps{})
	require.NoError(t, err)
	assert.IsType(t, &GraphQLExecutor{}, exec)

	exec, err = New(config.BackendConfig{Endpoint: "nats:graphql.employees"}, Deps{NATS: &mockRequester{}})
	require.NoError(t, err)
	require.IsType(t, &NATSExecutor{}, exec)
	assert.Equal(t, "graphql.employees", exec.(*NATSExecutor).Subject())

	_, err = New(config.BackendConfig{Endpoint: "nats:graphql"}, Deps{})
	assert.Error(t, err)
	_, err = New(config.BackendConfig{Endpoint: "grpc://backend"}, Deps{})
	assert.Error(t, err)
}
