package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/c360/connectgate/errors"
	"github.com/c360/connectgate/natsclient"
)

// Requester sends a request and waits for one reply. natsclient.Client
// implements it.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte, header nats.Header) ([]byte, error)
}

// NATSOption configures a NATSExecutor
type NATSOption func(*NATSExecutor)

// WithNATSLogger sets the logger
func WithNATSLogger(l *slog.Logger) NATSOption {
	return func(e *NATSExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithNATSHeaders adds static headers to every request message
func WithNATSHeaders(h map[string]string) NATSOption {
	return func(e *NATSExecutor) {
		for k, v := range h {
			e.headers.Set(k, v)
		}
	}
}

// NATSExecutor sends the GraphQL request body over NATS request/reply. The
// responder answers with a GraphQL response body.
type NATSExecutor struct {
	conn    Requester
	subject string
	headers nats.Header
	logger  *slog.Logger
}

// NewNATSExecutor creates an executor publishing on subject
func NewNATSExecutor(conn Requester, subject string, opts ...NATSOption) (*NATSExecutor, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats backend needs a subject")
	}
	e := &NATSExecutor{conn: conn, subject: subject, headers: nats.Header{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "backend", "transport", "nats")
	return e, nil
}

// Subject returns the request subject
func (e *NATSExecutor) Subject() string {
	return e.subject
}

// Execute implements Executor
func (e *NATSExecutor) Execute(ctx context.Context, q Query) (*Result, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindUpstreamError, "cannot encode backend request")
	}

	header := nats.Header{}
	for k, v := range e.headers {
		header[k] = v
	}
	if q.RequestID != "" {
		header.Set("X-Request-ID", q.RequestID)
	}
	header.Set("Content-Type", "application/json")

	reply, err := e.conn.Request(ctx, e.subject, body, header)
	if err != nil {
		return nil, e.mapError(ctx, err)
	}
	if len(reply) > maxResponseBytes {
		return nil, errors.New(errors.KindUpstreamError, "backend response too large")
	}
	return decodeResponse(reply)
}

func (e *NATSExecutor) mapError(ctx context.Context, err error) error {
	if ctxErr := contextError(ctx, err); ctxErr != nil {
		return ctxErr
	}
	switch {
	case errors.Is(err, nats.ErrTimeout):
		return errors.WrapKind(err, errors.KindUpstreamTimeout, "backend deadline exceeded")
	case errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, natsclient.ErrNotConnected),
		errors.Is(err, natsclient.ErrCircuitOpen),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining):
		e.logger.Debug("Backend unavailable", "error", err)
		return errors.WrapKind(err, errors.KindUpstreamUnavailable, "backend unavailable")
	}
	return errors.WrapKind(err, errors.KindUpstreamError, "backend request failed")
}
