package backend

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/c360/connectgate/config"
	"github.com/c360/connectgate/errors"
)

// Query is one call forwarded to the backend: a named operation with its
// variables bound to the backend's names.
type Query struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`

	// RequestID is propagated to the backend as X-Request-ID
	RequestID string `json:"-"`
}

// Result is the backend's answer. Data holds the raw "data" member.
type Result struct {
	Data   json.RawMessage `json:"data"`
	Errors gqlerror.List   `json:"errors,omitempty"`
}

// Executor runs queries against a backend. Implementations return
// GatewayErrors of the upstream kinds so callers never inspect transport
// errors.
type Executor interface {
	Execute(ctx context.Context, q Query) (*Result, error)
}

// Deps are the collaborators an executor may need
type Deps struct {
	NATS       Requester
	HTTPClient *http.Client
	TLS        *tls.Config
	Logger     *slog.Logger
}

// New selects an executor by endpoint scheme: http and https URLs reach a
// GraphQL server, nats:<subject> a NATS responder.
func New(cfg config.BackendConfig, deps Deps) (Executor, error) {
	endpoint := cfg.Endpoint
	switch {
	case strings.HasPrefix(endpoint, "http://"), strings.HasPrefix(endpoint, "https://"):
		opts := []GraphQLOption{WithHeaders(cfg.Headers), WithGraphQLLogger(deps.Logger), WithTLSConfig(deps.TLS)}
		if deps.HTTPClient != nil {
			opts = append(opts, WithHTTPClient(deps.HTTPClient))
		}
		return NewGraphQLExecutor(endpoint, opts...)

	case strings.HasPrefix(endpoint, config.NATSBackendScheme):
		if deps.NATS == nil {
			return nil, fmt.Errorf("backend %s needs a NATS connection", endpoint)
		}
		subject := strings.TrimPrefix(endpoint, config.NATSBackendScheme)
		return NewNATSExecutor(deps.NATS, subject, WithNATSLogger(deps.Logger), WithNATSHeaders(cfg.Headers))
	}
	return nil, fmt.Errorf("unsupported backend endpoint %q", endpoint)
}

// maxResponseBytes bounds a backend reply
const maxResponseBytes = 16 << 20

// decodeResponse parses a GraphQL response body. A body with errors yields
// both the result and an UpstreamError.
func decodeResponse(body []byte) (*Result, error) {
	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, errors.WrapKind(err, errors.KindUpstreamError, "backend returned an unreadable response")
	}
	if len(res.Errors) > 0 {
		return &res, errors.WrapKind(res.Errors, errors.KindUpstreamError,
			fmt.Sprintf("backend reported %d error(s)", len(res.Errors)))
	}
	if len(res.Data) == 0 || string(res.Data) == "null" {
		return nil, errors.New(errors.KindUpstreamError, "backend returned no data")
	}
	return &res, nil
}

// contextError maps a finished context to the gateway taxonomy, or returns
// nil while ctx is live.
func contextError(ctx context.Context, cause error) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return errors.WrapKind(cause, errors.KindUpstreamTimeout, "backend deadline exceeded")
	case context.Canceled:
		return errors.WrapKind(cause, errors.KindCanceled, "request canceled")
	}
	return nil
}
