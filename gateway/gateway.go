package gateway

import (
	"context"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/c360/connectgate/codec"
	"github.com/c360/connectgate/config"
	"github.com/c360/connectgate/contract"
	"github.com/c360/connectgate/errors"
	"github.com/c360/connectgate/metric"
	"github.com/c360/connectgate/registry"
	"github.com/c360/connectgate/translator"
)

// Wire protocol labels used in logs and metrics
const (
	ProtocolConnect    = "connect"
	ProtocolConnectGet = "connect_get"
	ProtocolGRPC       = "grpc"
	ProtocolGRPCWeb    = "grpcweb"
)

// Gateway is the RPC front-end. It serves every contract of the current
// registry snapshot at its procedure path and rebuilds its handler table
// whenever the holder swaps registries.
type Gateway struct {
	holder     *registry.Holder
	translator *translator.Translator
	cfg        config.GatewayConfig
	logger     *slog.Logger
	metrics    *metric.Metrics
	errw       *connect.ErrorWriter

	mu    sync.Mutex
	table atomic.Pointer[table]
}

// table maps procedure paths to handlers for one registry snapshot
type table struct {
	registry *contract.Registry
	routes   map[string]*route
}

type route struct {
	contract *contract.Contract
	handler  http.Handler
}

// Option configures a Gateway
type Option func(*Gateway)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics records request counts and latency
func WithMetrics(reg *metric.MetricsRegistry) Option {
	return func(g *Gateway) {
		if reg != nil {
			g.metrics = reg.CoreMetrics()
		}
	}
}

// New creates a Gateway serving the holder's registry through tr
func New(holder *registry.Holder, tr *translator.Translator, cfg config.GatewayConfig, opts ...Option) *Gateway {
	g := &Gateway{
		holder:     holder,
		translator: tr,
		cfg:        cfg,
		logger:     slog.Default(),
		errw:       connect.NewErrorWriter(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")

	holder.OnSwap(func(*contract.Registry) { g.refresh() })
	g.refresh()
	return g
}

// refresh installs a handler table for the holder's current registry.
// It always reads the holder rather than the notified snapshot, so a late
// notification can never reinstall an older table.
func (g *Gateway) refresh() {
	g.mu.Lock()
	defer g.mu.Unlock()

	reg := g.holder.Current()
	if reg == nil {
		return
	}
	if t := g.table.Load(); t != nil && t.registry == reg {
		return
	}

	t := &table{registry: reg, routes: make(map[string]*route, reg.Len())}
	for _, c := range reg.Contracts() {
		t.routes[c.Procedure()] = &route{contract: c, handler: g.newHandler(reg, c)}
	}
	g.table.Store(t)
	g.translator.ClearCache()
	g.logger.Debug("Handler table rebuilt", "procedures", len(t.routes), "fingerprint", reg.Fingerprint())
}

// Procedures returns the procedure paths currently served
func (g *Gateway) Procedures() []string {
	t := g.table.Load()
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.routes))
	for _, c := range t.registry.Contracts() {
		out = append(out, c.Procedure())
	}
	return out
}

func (g *Gateway) newHandler(reg *contract.Registry, c *contract.Contract) http.Handler {
	idempotency := connect.IdempotencyUnknown
	if c.ReadOnly() {
		idempotency = connect.IdempotencyNoSideEffects
	}

	opts := []connect.HandlerOption{
		connect.WithSchema(c.Descriptor),
		connect.WithRequestInitializer(initializeRequest),
		connect.WithIdempotency(idempotency),
		connect.WithInterceptors(g.observe(c)),
	}
	if g.cfg.MaxRequestBytes > 0 {
		opts = append(opts, connect.WithReadMaxBytes(int(g.cfg.MaxRequestBytes)))
	}
	for _, jc := range codec.JSONCodecs() {
		opts = append(opts, connect.WithCodec(jc))
	}

	return connect.NewUnaryHandler(c.Procedure(), g.unary(reg, c), opts...)
}

// initializeRequest gives connect an empty message of the method's input
// type to decode into.
func initializeRequest(spec connect.Spec, msg any) error {
	dyn, ok := msg.(*dynamicpb.Message)
	if !ok {
		return nil
	}
	md, ok := spec.Schema.(protoreflect.MethodDescriptor)
	if !ok {
		return errors.New(errors.KindUnknown, "no schema for %s", spec.Procedure)
	}
	*dyn = *dynamicpb.NewMessage(md.Input())
	return nil
}

func (g *Gateway) unary(reg *contract.Registry, c *contract.Contract) func(context.Context, *connect.Request[dynamicpb.Message]) (*connect.Response[dynamicpb.Message], error) {
	return func(ctx context.Context, req *connect.Request[dynamicpb.Message]) (*connect.Response[dynamicpb.Message], error) {
		out, err := g.translator.Invoke(ctx, translator.Call{
			Registry: reg,
			Service:  string(c.ServiceName),
			Method:   c.Method,
			Input:    req.Msg,
		})
		if err != nil {
			g.logFailure(ctx, c, err)
			return nil, ToConnectError(c.Procedure(), err)
		}
		return connect.NewResponse(out), nil
	}
}

func (g *Gateway) logFailure(ctx context.Context, c *contract.Contract, err error) {
	kind := errors.KindOf(err)
	level := slog.LevelWarn
	if kind.ClientCaused() || kind == errors.KindCanceled {
		level = slog.LevelDebug
	}
	g.logger.Log(ctx, level, "Call failed",
		"procedure", c.Procedure(),
		"kind", kind.String(),
		"error", err)
}

// observe records the outcome of every call connect dispatched
func (g *Gateway) observe(c *contract.Contract) connect.UnaryInterceptorFunc {
	service, method := string(c.ServiceName), c.Method
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			res, err := next(ctx, req)

			protocol := protocolName(req.Peer().Protocol, req.HTTPMethod())
			code := "ok"
			if err != nil {
				code = connect.CodeOf(err).String()
			}
			annotate(ctx, c.Procedure(), protocol, code)
			if g.metrics != nil {
				g.metrics.RecordRequest(service, method, protocol, code, time.Since(start))
			}
			return res, err
		}
	}
}

// ServeHTTP routes an RPC to the current snapshot's handler. Everything
// the front-end can reject without decoding the payload is rejected here,
// so those requests never reach the translator.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t := g.table.Load()
	if t == nil || !g.holder.State().Serving() {
		g.writeError(w, r, nil, errors.New(errors.KindNotReady, "gateway is not ready"))
		return
	}

	rt, ok := t.routes[r.URL.Path]
	if !ok {
		_, err := t.registry.ResolveProcedure(r.URL.Path)
		if err == nil {
			err = errors.NotFound("unknown procedure %s", r.URL.Path)
		}
		g.writeError(w, r, nil, err)
		return
	}
	c := rt.contract

	switch r.Method {
	case http.MethodPost:
	case http.MethodGet:
		if !c.ReadOnly() {
			w.Header().Set("Allow", http.MethodPost)
			g.writeError(w, r, c, errors.New(errors.KindMethodNotAllowed,
				"%s has side effects and must be called with POST", c.Method))
			return
		}
	default:
		allow := http.MethodPost
		if c.ReadOnly() {
			allow = "GET, POST"
		}
		w.Header().Set("Allow", allow)
		g.writeError(w, r, c, errors.New(errors.KindMethodNotAllowed, "method %s is not allowed", r.Method))
		return
	}

	if err := negotiate(r); err != nil {
		g.writeError(w, r, c, err)
		return
	}
	rt.handler.ServeHTTP(w, r)
}

// Content types the handlers decode, keyed by media type
var acceptedMediaTypes = map[string]bool{
	"application/json":           true,
	"application/proto":          true,
	"application/grpc":           true,
	"application/grpc+proto":     true,
	"application/grpc+json":      true,
	"application/grpc-web":       true,
	"application/grpc-web+proto": true,
	"application/grpc-web+json":  true,
}

// Connect protocol versions
const (
	connectVersionHeader = "Connect-Protocol-Version"
	connectVersion       = "1"
	connectGetVersion    = "v1"
)

// negotiate rejects wire forms no handler understands
func negotiate(r *http.Request) error {
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		switch enc := q.Get("encoding"); enc {
		case codec.NameJSON, "proto":
		case "":
			return errors.New(errors.KindUnsupportedEncoding, "missing encoding parameter")
		default:
			return errors.New(errors.KindUnsupportedEncoding, "unsupported encoding %q", enc)
		}
		if v := q.Get("connect"); v != "" && v != connectGetVersion {
			return errors.New(errors.KindUnsupportedEncoding, "unsupported connect protocol version %q", v)
		}
		return nil
	}

	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return errors.New(errors.KindUnsupportedEncoding, "missing content type")
	}
	mediaType, params, err := mime.ParseMediaType(ct)
	if err != nil || !acceptedMediaTypes[mediaType] {
		return errors.New(errors.KindUnsupportedEncoding, "unsupported content type %q", ct)
	}
	if cs, ok := params["charset"]; ok && !strings.EqualFold(cs, "utf-8") {
		return errors.New(errors.KindUnsupportedEncoding, "unsupported charset %q", cs)
	}
	if !strings.HasPrefix(mediaType, "application/grpc") {
		if v := r.Header.Get(connectVersionHeader); v != "" && v != connectVersion {
			return errors.New(errors.KindUnsupportedEncoding, "unsupported connect protocol version %q", v)
		}
	}
	return nil
}

// protocolOf labels a request connect has not classified yet
func protocolOf(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/grpc-web"):
		return ProtocolGRPCWeb
	case strings.HasPrefix(ct, "application/grpc"):
		return ProtocolGRPC
	case r.Method == http.MethodGet:
		return ProtocolConnectGet
	default:
		return ProtocolConnect
	}
}

func protocolName(protocol, httpMethod string) string {
	switch protocol {
	case connect.ProtocolGRPC:
		return ProtocolGRPC
	case connect.ProtocolGRPCWeb:
		return ProtocolGRPCWeb
	}
	if httpMethod == http.MethodGet {
		return ProtocolConnectGet
	}
	return ProtocolConnect
}
