package translator

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/c360/connectgate/backend"
	"github.com/c360/connectgate/contract"
	"github.com/c360/connectgate/discovery"
	"github.com/c360/connectgate/errors"
	"github.com/c360/connectgate/metric"
	"github.com/c360/connectgate/pkg/cache"
	fixtures "github.com/c360/connectgate/testutil"
)

const hr = fixtures.EmployeesService

type execFunc func(ctx context.Context, q backend.Query) (*backend.Result, error)

func (f execFunc) Execute(ctx context.Context, q backend.Query) (*backend.Result, error) {
	return f(ctx, q)
}

// fakeExec answers from the shared fake backend and counts calls
func fakeExec(fake *fixtures.FakeBackend) execFunc {
	return func(_ context.Context, q backend.Query) (*backend.Result, error) {
		vars, err := json.Marshal(q.Variables)
		if err != nil {
			return nil, err
		}
		resp := fake.Execute(fixtures.GraphQLRequest{Query: q.Query, OperationName: q.OperationName, Variables: vars})
		data, err := json.Marshal(resp.Data)
		if err != nil {
			return nil, err
		}
		return &backend.Result{Data: data}, nil
	}
}

func dataExec(data string) execFunc {
	return func(context.Context, backend.Query) (*backend.Result, error) {
		return &backend.Result{Data: json.RawMessage(data)}, nil
	}
}

func testRegistry(t *testing.T) *contract.Registry {
	t.Helper()
	res, err := discovery.New(&discovery.MapSource{Name: "test", Files: fixtures.EmployeesFiles(t)}).
		Discover(context.Background())
	require.NoError(t, err)
	return res.Registry
}

func resolve(t *testing.T, reg *contract.Registry, method string) *contract.Contract {
	t.Helper()
	c, err := reg.Resolve(hr, method)
	require.NoError(t, err)
	return c
}

func input(t *testing.T, c *contract.Contract, js string) *dynamicpb.Message {
	t.Helper()
	msg := dynamicpb.NewMessage(c.Input)
	require.NoError(t, protojson.Unmarshal([]byte(js), msg))
	return msg
}

func toJSON(t *testing.T, msg proto.Message) string {
	t.Helper()
	data, err := protojson.Marshal(msg)
	require.NoError(t, err)
	return string(data)
}

func TestInvoke_GetEmployee(t *testing.T) {
	reg := testRegistry(t)
	fake := fixtures.NewFakeBackend()
	tr := New(fakeExec(fake))

	c := resolve(t, reg, "GetEmployeeById")
	out, err := tr.Invoke(context.Background(), Call{
		Registry: reg, Service: hr, Method: "GetEmployeeById", Input: input(t, c, `{"id":1}`),
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{"employee":{"id":1,"isAvailable":true,"currentMood":"MOOD_HAPPY",
		"details":{"forename":"Jens","surname":"Neuse"}}}`, toJSON(t, out))
	assert.EqualValues(t, 1, fake.Calls())

	req, ok := fake.LastRequest()
	require.True(t, ok)
	assert.Equal(t, "GetEmployeeById", req.OperationName)
	assert.JSONEq(t, `{"id":1}`, string(req.Variables))
}

func TestInvoke_UnknownMethodNeverReachesBackend(t *testing.T) {
	reg := testRegistry(t)
	fake := fixtures.NewFakeBackend()
	tr := New(fakeExec(fake))

	c := resolve(t, reg, "GetEmployeeById")
	_, err := tr.Invoke(context.Background(), Call{
		Registry: reg, Service: hr, Method: "GetEmployeeXYZ", Input: input(t, c, `{"id":1}`),
	})
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))

	_, err = tr.Invoke(context.Background(), Call{
		Registry: reg, Service: "employees.v9.HrService", Method: "GetEmployeeById", Input: input(t, c, `{"id":1}`),
	})
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	assert.Zero(t, fake.Calls())
}

func TestInvoke_NotReadyAndMismatchedInput(t *testing.T) {
	reg := testRegistry(t)
	tr := New(dataExec(`{}`))

	_, err := tr.Invoke(context.Background(), Call{Service: hr, Method: "GetEmployeeById"})
	assert.Equal(t, errors.KindNotReady, errors.KindOf(err))

	update := resolve(t, reg, "UpdateEmployeeMood")
	_, err = tr.Invoke(context.Background(), Call{
		Registry: reg, Service: hr, Method: "GetEmployeeById", Input: input(t, update, `{"id":1}`),
	})
	assert.Equal(t, errors.KindBadRequest, errors.KindOf(err))
}

func TestInvoke_ValidationCollectsEveryViolation(t *testing.T) {
	reg := testRegistry(t)
	fake := fixtures.NewFakeBackend()
	tr := New(fakeExec(fake))

	c := resolve(t, reg, "UpdateEmployeeMood")
	_, err := tr.Invoke(context.Background(), Call{
		Registry: reg, Service: hr, Method: "UpdateEmployeeMood", Input: input(t, c, `{"mood":"MOOD_UNSPECIFIED"}`),
	})
	require.Error(t, err)
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))

	var ge *errors.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, []errors.FieldViolation{
		{Field: "id", Description: "is required"},
		{Field: "mood", Description: "must not be MOOD_UNSPECIFIED"},
	}, ge.Violations)
	assert.Zero(t, fake.Calls())
}

func TestValidate_Constraints(t *testing.T) {
	reg := testRegistry(t)

	get := resolve(t, reg, "GetEmployeeById")
	assert.Equal(t, []errors.FieldViolation{{Field: "id", Description: "must be >= 1"}},
		Validate(get, input(t, get, `{"id":0}`).ProtoReflect()))
	assert.Equal(t, []errors.FieldViolation{{Field: "id", Description: "must be <= 100000"}},
		Validate(get, input(t, get, `{"id":100001}`).ProtoReflect()))
	assert.Empty(t, Validate(get, input(t, get, `{"id":7}`).ProtoReflect()))

	find := resolve(t, reg, "FindEmployees")
	long := strings.Repeat("x", 33)
	assert.Equal(t, []errors.FieldViolation{{Field: "criteria.forename", Description: "must be at most 32 characters"}},
		Validate(find, input(t, find, `{"criteria":{"forename":"`+long+`"}}`).ProtoReflect()))
	assert.Empty(t, Validate(find, input(t, find, `{}`).ProtoReflect()))
}

func TestValidate_UnknownEnumNumber(t *testing.T) {
	reg := testRegistry(t)
	c := resolve(t, reg, "UpdateEmployeeMood")
	msg := input(t, c, `{"id":1,"mood":7}`)

	assert.Equal(t, []errors.FieldViolation{{Field: "mood", Description: "unknown enum value 7"}},
		Validate(c, msg.ProtoReflect()))
}

func TestBind_ExactFieldSet(t *testing.T) {
	reg := testRegistry(t)

	update := resolve(t, reg, "UpdateEmployeeMood")
	q := Bind(update, input(t, update, `{"id":1,"mood":"MOOD_SAD"}`).ProtoReflect())
	assert.Equal(t, map[string]any{"id": int64(1), "mood": "SAD"}, q.Variables)
	assert.Equal(t, "UpdateEmployeeMood", q.OperationName)
	assert.Equal(t, update.Operation, q.Query)

	find := resolve(t, reg, "FindEmployees")
	q = Bind(find, input(t, find, `{}`).ProtoReflect())
	assert.Equal(t, map[string]any{"criteria": nil}, q.Variables)

	q = Bind(find, input(t, find, `{"criteria":{"nationality":"GERMAN","hasPets":false}}`).ProtoReflect())
	assert.Equal(t, map[string]any{"criteria": map[string]any{"nationality": "GERMAN", "hasPets": false}}, q.Variables)

	list := resolve(t, reg, "ListEmployees")
	q = Bind(list, input(t, list, `{}`).ProtoReflect())
	assert.Empty(t, q.Variables)
}

func TestShape(t *testing.T) {
	reg := testRegistry(t)
	get := resolve(t, reg, "GetEmployeeById")
	list := resolve(t, reg, "ListEmployees")

	t.Run("null leaves field unset", func(t *testing.T) {
		out, err := Shape(get, json.RawMessage(`{"employee":null}`), nil)
		require.NoError(t, err)
		assert.Equal(t, `{}`, toJSON(t, out))
	})

	t.Run("extra fields dropped", func(t *testing.T) {
		out, err := Shape(get, json.RawMessage(`{"employee":{"id":2,"salary":100},"other":true}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"employee":{"id":2}}`, toJSON(t, out))
	})

	t.Run("null list items dropped", func(t *testing.T) {
		out, err := Shape(list, json.RawMessage(`{"employees":[{"id":1},null,{"id":3}]}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"employees":[{"id":1},{"id":3}]}`, toJSON(t, out))
	})

	t.Run("unknown enum value", func(t *testing.T) {
		out, err := Shape(get, json.RawMessage(`{"employee":{"id":1,"currentMood":"ECSTATIC"}}`), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"employee":{"id":1}}`, toJSON(t, out))
	})

	drift := map[string]string{
		"string for int":    `{"employee":{"id":"1"}}`,
		"fraction for int":  `{"employee":{"id":1.5}}`,
		"int32 overflow":    `{"employee":{"id":3000000000}}`,
		"object for list":   `{"employees":{"id":1}}`,
		"scalar for object": `{"employee":7}`,
		"number for bool":   `{"employee":{"isAvailable":1}}`,
		"not an object":     `[1]`,
	}
	for name, data := range drift {
		t.Run(name, func(t *testing.T) {
			c := get
			if strings.Contains(data, "employees") {
				c = list
			}
			_, err := Shape(c, json.RawMessage(data), nil)
			assert.Equal(t, errors.KindUpstreamError, errors.KindOf(err))
			assert.Equal(t, "backend response does not match the contract", errors.PublicMessage(err))
		})
	}
}

func TestInvoke_Timeout(t *testing.T) {
	reg := testRegistry(t)
	blocking := execFunc(func(ctx context.Context, _ backend.Query) (*backend.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	tr := New(blocking, WithTimeout(20*time.Millisecond))

	c := resolve(t, reg, "ListEmployees")
	start := time.Now()
	_, err := tr.Invoke(context.Background(), Call{Registry: reg, Service: hr, Method: "ListEmployees", Input: input(t, c, `{}`)})
	assert.Equal(t, errors.KindUpstreamTimeout, errors.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestInvoke_CanceledBeforeDispatch(t *testing.T) {
	reg := testRegistry(t)
	var calls atomic.Int32
	tr := New(execFunc(func(context.Context, backend.Query) (*backend.Result, error) {
		calls.Add(1)
		return &backend.Result{Data: json.RawMessage(`{}`)}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := resolve(t, reg, "UpdateEmployeeMood")
	_, err := tr.Invoke(ctx, Call{Registry: reg, Service: hr, Method: "UpdateEmployeeMood",
		Input: input(t, c, `{"id":1,"mood":"MOOD_HAPPY"}`)})
	assert.Equal(t, errors.KindCanceled, errors.KindOf(err))
	assert.Zero(t, calls.Load())
}

func TestInvoke_UnclassifiedBackendError(t *testing.T) {
	reg := testRegistry(t)
	tr := New(execFunc(func(context.Context, backend.Query) (*backend.Result, error) {
		return nil, assert.AnError
	}))

	c := resolve(t, reg, "ListEmployees")
	_, err := tr.Invoke(context.Background(), Call{Registry: reg, Service: hr, Method: "ListEmployees", Input: input(t, c, `{}`)})
	assert.Equal(t, errors.KindUpstreamError, errors.KindOf(err))
	assert.NotContains(t, errors.PublicMessage(err), assert.AnError.Error())
}

func TestInvoke_Cache(t *testing.T) {
	reg := testRegistry(t)
	fake := fixtures.NewFakeBackend()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := cache.NewExpiring[[]byte](ctx, time.Minute, 16, 0)
	require.NoError(t, err)

	tr := New(fakeExec(fake), WithCache(c))
	defer tr.Close()

	list := resolve(t, reg, "ListEmployees")
	call := Call{Registry: reg, Service: hr, Method: "ListEmployees", Input: input(t, list, `{}`)}

	first, err := tr.Invoke(context.Background(), call)
	require.NoError(t, err)
	second, err := tr.Invoke(context.Background(), call)
	require.NoError(t, err)
	assert.True(t, proto.Equal(first, second))
	assert.EqualValues(t, 1, fake.Calls())

	tr.ClearCache()
	_, err = tr.Invoke(context.Background(), call)
	require.NoError(t, err)
	assert.EqualValues(t, 2, fake.Calls())

	// GetEmployeeById is read-only but not marked cacheable
	get := resolve(t, reg, "GetEmployeeById")
	getCall := Call{Registry: reg, Service: hr, Method: "GetEmployeeById", Input: input(t, get, `{"id":1}`)}
	for i := 0; i < 2; i++ {
		_, err = tr.Invoke(context.Background(), getCall)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 4, fake.Calls())
}

func TestInvoke_MaxInFlight(t *testing.T) {
	reg := testRegistry(t)
	var active, peak atomic.Int32
	tr := New(execFunc(func(context.Context, backend.Query) (*backend.Result, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return &backend.Result{Data: json.RawMessage(`{"employees":[]}`)}, nil
	}), WithMaxInFlight(2))

	c := resolve(t, reg, "ListEmployees")
	msg := input(t, c, `{}`)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.Invoke(context.Background(), Call{Registry: reg, Service: hr, Method: "ListEmployees", Input: msg})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestInvoke_Metrics(t *testing.T) {
	reg := testRegistry(t)
	metrics := metric.NewMetricsRegistry()
	tr := New(dataExec(`{"employees":"oops"}`), WithMetrics(metrics))

	c := resolve(t, reg, "ListEmployees")
	_, err := tr.Invoke(context.Background(), Call{Registry: reg, Service: hr, Method: "ListEmployees", Input: input(t, c, `{}`)})
	require.Error(t, err)

	core := metrics.CoreMetrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(core.BackendErrors.WithLabelValues(hr, "ListEmployees", "UPSTREAM_ERROR")))
	assert.Equal(t, 0.0, testutil.ToFloat64(core.InFlight))
}
