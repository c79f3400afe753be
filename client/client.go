// Package client calls gateway contracts with a dynamic connect client built
// from the contract's descriptors, so no generated stubs are needed.
package client

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/c360/connectgate/codec"
	"github.com/c360/connectgate/contract"
	"github.com/c360/connectgate/errors"
	"github.com/c360/connectgate/gateway"
	"github.com/c360/connectgate/pkg/retry"
)

// Protocol selects the wire protocol
type Protocol int

const (
	// Connect is the Connect protocol, POST unless GET is enabled
	Connect Protocol = iota
	// GRPC is gRPC over HTTP/2
	GRPC
	// GRPCWeb is gRPC-Web
	GRPCWeb
)

// Client calls contracts served under one base URL
type Client struct {
	httpClient connect.HTTPClient
	baseURL    string
	protocol   Protocol
	json       bool
	get        bool
	retry      retry.Config
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[string]*connect.Client[dynamicpb.Message, dynamicpb.Message]
}

// Option configures a Client
type Option func(*Client)

// WithProtocol selects Connect, gRPC or gRPC-Web
func WithProtocol(p Protocol) Option {
	return func(c *Client) { c.protocol = p }
}

// WithJSON encodes messages as JSON instead of binary protobuf
func WithJSON() Option {
	return func(c *Client) { c.json = true }
}

// WithGET sends read-only Connect calls as HTTP GET
func WithGET() Option {
	return func(c *Client) { c.get = true }
}

// WithRetry overrides the retry policy for read-only calls
func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client for the gateway at baseURL
func New(httpClient connect.HTTPClient, baseURL string, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	c := &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		retry:      retry.Quick(),
		logger:     slog.Default(),
		clients:    make(map[string]*connect.Client[dynamicpb.Message, dynamicpb.Message]),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "client")
	return c
}

// Call invokes the contract with input, which must be of the contract's
// input type. Read-only calls that fail with a retryable kind are retried;
// mutating calls are attempted exactly once.
func (c *Client) Call(ctx context.Context, ct *contract.Contract, input proto.Message) (*dynamicpb.Message, error) {
	if input.ProtoReflect().Descriptor().FullName() != ct.Input.FullName() {
		return nil, errors.New(errors.KindBadRequest, "input is %s, %s expects %s",
			input.ProtoReflect().Descriptor().FullName(), ct.Procedure(), ct.Input.FullName())
	}
	rpc := c.rpc(ct)
	req := dynamicpb.NewMessage(ct.Input)
	proto.Merge(req, input)

	invoke := func(ctx context.Context) (*dynamicpb.Message, error) {
		res, err := rpc.CallUnary(ctx, connect.NewRequest(req))
		if err != nil {
			return nil, err
		}
		return res.Msg, nil
	}
	if !ct.ReadOnly() {
		return invoke(ctx)
	}

	cfg := c.retry
	cfg.RetryIf = func(err error) bool {
		return gateway.KindFromConnect(err).Retryable()
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Debug("Retrying call", "procedure", ct.Procedure(), "attempt", attempt, "delay", delay, "error", err)
	}
	return retry.DoWithResult(ctx, cfg, invoke)
}

// CallJSON decodes input as the contract's JSON request, invokes it and
// returns the JSON response in the gateway's stable encoding.
func (c *Client) CallJSON(ctx context.Context, ct *contract.Contract, input []byte) ([]byte, error) {
	req := dynamicpb.NewMessage(ct.Input)
	if err := protojson.Unmarshal(input, req); err != nil {
		return nil, errors.BadRequest(err)
	}
	res, err := c.Call(ctx, ct, req)
	if err != nil {
		return nil, err
	}
	return codec.NewJSON(codec.NameJSON).Marshal(res)
}

func (c *Client) rpc(ct *contract.Contract) *connect.Client[dynamicpb.Message, dynamicpb.Message] {
	key := ct.Procedure() + "\x00" + ct.Fingerprint()

	c.mu.Lock()
	defer c.mu.Unlock()
	if rpc, ok := c.clients[key]; ok {
		return rpc
	}

	opts := []connect.ClientOption{
		connect.WithSchema(ct.Descriptor),
		connect.WithResponseInitializer(initializeResponse),
	}
	switch c.protocol {
	case GRPC:
		opts = append(opts, connect.WithGRPC())
	case GRPCWeb:
		opts = append(opts, connect.WithGRPCWeb())
	}
	if c.json {
		opts = append(opts, connect.WithCodec(codec.NewJSON(codec.NameJSON)))
	}
	if ct.ReadOnly() {
		opts = append(opts, connect.WithIdempotency(connect.IdempotencyNoSideEffects))
		if c.get && c.protocol == Connect {
			opts = append(opts, connect.WithHTTPGet())
		}
	}

	rpc := connect.NewClient[dynamicpb.Message, dynamicpb.Message](c.httpClient, c.baseURL+ct.Procedure(), opts...)
	c.clients[key] = rpc
	return rpc
}

func initializeResponse(spec connect.Spec, msg any) error {
	dyn, ok := msg.(*dynamicpb.Message)
	if !ok {
		return nil
	}
	md, ok := spec.Schema.(protoreflect.MethodDescriptor)
	if !ok {
		return errors.New(errors.KindUnknown, "no schema for %s", spec.Procedure)
	}
	*dyn = *dynamicpb.NewMessage(md.Output())
	return nil
}
