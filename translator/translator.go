package translator

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/semaphore"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/c360/connectgate/backend"
	"github.com/c360/connectgate/contract"
	"github.com/c360/connectgate/errors"
	"github.com/c360/connectgate/metric"
	"github.com/c360/connectgate/pkg/cache"
)

// DefaultTimeout bounds a backend call when neither the contract nor the
// configuration sets one.
const DefaultTimeout = 10 * time.Second

// Call is a request after front-end decoding: the target and its decoded
// input. Registry is the snapshot the request arrived on.
type Call struct {
	Registry *contract.Registry
	Service  string
	Method   string
	Input    proto.Message
}

// Translator runs the request pipeline: resolve, validate, bind, invoke,
// shape. It keeps no per-request state.
type Translator struct {
	exec    backend.Executor
	logger  *slog.Logger
	metrics *metric.Metrics
	timeout time.Duration
	limit   *semaphore.Weighted
	cache   cache.Cache[[]byte]
}

// Option configures a Translator
type Option func(*Translator)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(t *Translator) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithMetrics records backend latency and failures
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(t *Translator) {
		if reg != nil {
			t.metrics = reg.CoreMetrics()
		}
	}
}

// WithTimeout sets the default backend deadline
func WithTimeout(d time.Duration) Option {
	return func(t *Translator) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithMaxInFlight bounds concurrent backend calls
func WithMaxInFlight(n int64) Option {
	return func(t *Translator) {
		if n > 0 {
			t.limit = semaphore.NewWeighted(n)
		}
	}
}

// WithCache enables response caching for cacheable read-only contracts
func WithCache(c cache.Cache[[]byte]) Option {
	return func(t *Translator) {
		if c != nil {
			t.cache = c
		}
	}
}

// New creates a Translator invoking exec
func New(exec backend.Executor, opts ...Option) *Translator {
	t := &Translator{
		exec:    exec,
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		cache:   cache.NewNoop[[]byte](),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "translator")
	return t
}

// ClearCache drops every cached response. Called after a registry swap.
func (t *Translator) ClearCache() {
	if err := t.cache.Clear(); err != nil {
		t.logger.Warn("Failed to clear response cache", "error", err)
	}
}

// Close releases the response cache
func (t *Translator) Close() error {
	return t.cache.Close()
}

// Invoke runs one call through the pipeline
func (t *Translator) Invoke(ctx context.Context, call Call) (*dynamicpb.Message, error) {
	// 1. resolve
	if call.Registry == nil {
		return nil, errors.New(errors.KindNotReady, "no contract registry is being served")
	}
	c, err := call.Registry.Resolve(call.Service, call.Method)
	if err != nil {
		return nil, err
	}
	if call.Input == nil || call.Input.ProtoReflect().Descriptor().FullName() != c.Input.FullName() {
		return nil, errors.New(errors.KindBadRequest, "request message does not match %s", c.Procedure())
	}
	input := call.Input.ProtoReflect()

	key, cacheable := t.cacheKey(c, call.Input)
	if cacheable {
		if out, ok := t.cached(c, key); ok {
			return out, nil
		}
	}

	// 2. validate
	if violations := Validate(c, input); len(violations) > 0 {
		return nil, errors.Validation(violations)
	}

	// 3. bind
	q := Bind(c, input)
	q.RequestID = middleware.GetReqID(ctx)

	// 4. invoke
	res, err := t.execute(ctx, c, q)
	if err != nil {
		return nil, err
	}

	// 5. shape
	out, err := Shape(c, res.Data, t.logger)
	if err != nil {
		t.record(c, errors.KindOf(err), 0)
		t.logger.Warn("Backend response does not match contract",
			"procedure", c.Procedure(), "error", err)
		return nil, err
	}

	if cacheable {
		t.store(key, out)
	}
	return out, nil
}

func (t *Translator) execute(ctx context.Context, c *contract.Contract, q backend.Query) (*backend.Result, error) {
	// nothing has reached the backend yet, so giving up here is always safe
	if err := ctx.Err(); err != nil {
		return nil, canceled(err)
	}

	timeout := t.timeout
	if c.Timeout > 0 {
		timeout = c.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if t.limit != nil {
		if err := t.limit.Acquire(ctx, 1); err != nil {
			return nil, canceled(ctx.Err())
		}
		defer t.limit.Release(1)
	}

	if t.metrics != nil {
		t.metrics.InFlight.Inc()
		defer t.metrics.InFlight.Dec()
	}

	start := time.Now()
	res, err := t.exec.Execute(ctx, q)
	if err != nil {
		kind := errors.KindOf(err)
		if kind == errors.KindUnknown {
			err = errors.WrapKind(err, errors.KindUpstreamError, "backend request failed")
			kind = errors.KindUpstreamError
		}
		t.record(c, kind, time.Since(start))
		t.logger.Debug("Backend call failed",
			"procedure", c.Procedure(), "kind", kind.String(), "error", err)
		return nil, err
	}
	t.record(c, errors.KindUnknown, time.Since(start))
	return res, nil
}

func canceled(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.WrapKind(err, errors.KindUpstreamTimeout, "deadline exceeded before dispatch")
	}
	return errors.WrapKind(err, errors.KindCanceled, "request canceled")
}

// record counts a backend outcome; KindUnknown means success
func (t *Translator) record(c *contract.Contract, kind errors.Kind, d time.Duration) {
	if t.metrics == nil {
		return
	}
	label := ""
	if kind != errors.KindUnknown {
		label = kind.String()
	}
	if d > 0 {
		t.metrics.RecordBackend(string(c.ServiceName), c.Method, label, d)
	} else if label != "" {
		t.metrics.BackendErrors.WithLabelValues(string(c.ServiceName), c.Method, label).Inc()
	}
}

var cacheKeyOptions = proto.MarshalOptions{Deterministic: true}

func (t *Translator) cacheKey(c *contract.Contract, input proto.Message) (string, bool) {
	if !c.ReadOnly() || !c.Cacheable {
		return "", false
	}
	data, err := cacheKeyOptions.Marshal(input)
	if err != nil {
		return "", false
	}
	return c.Procedure() + "\x00" + string(data), true
}

func (t *Translator) cached(c *contract.Contract, key string) (*dynamicpb.Message, bool) {
	data, ok := t.cache.Get(key)
	if !ok {
		return nil, false
	}
	out := dynamicpb.NewMessage(c.Output)
	if err := proto.Unmarshal(data, out); err != nil {
		return nil, false
	}
	return out, true
}

func (t *Translator) store(key string, out *dynamicpb.Message) {
	data, err := proto.Marshal(out)
	if err != nil {
		return
	}
	if _, err := t.cache.Set(key, data); err != nil {
		t.logger.Debug("Response not cached", "error", err)
	}
}
