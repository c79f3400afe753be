package backend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/c360/connectgate/errors"
)

// GraphQLOption configures a GraphQLExecutor
type GraphQLOption func(*GraphQLExecutor)

// WithHTTPClient replaces the default client
func WithHTTPClient(c *http.Client) GraphQLOption {
	return func(e *GraphQLExecutor) { e.client = c }
}

// WithTLSConfig sets the client TLS settings of the default transport.
// It has no effect together with WithHTTPClient.
func WithTLSConfig(cfg *tls.Config) GraphQLOption {
	return func(e *GraphQLExecutor) {
		if t, ok := e.client.Transport.(*http.Transport); ok && cfg != nil {
			t.TLSClientConfig = cfg
		}
	}
}

// WithHeaders adds static headers to every backend request
func WithHeaders(h map[string]string) GraphQLOption {
	return func(e *GraphQLExecutor) {
		for k, v := range h {
			e.headers.Set(k, v)
		}
	}
}

// WithGraphQLLogger sets the logger
func WithGraphQLLogger(l *slog.Logger) GraphQLOption {
	return func(e *GraphQLExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// GraphQLExecutor posts queries to a GraphQL-over-HTTP endpoint
type GraphQLExecutor struct {
	endpoint string
	client   *http.Client
	headers  http.Header
	logger   *slog.Logger
}

// NewGraphQLExecutor creates an executor for endpoint
func NewGraphQLExecutor(endpoint string, opts ...GraphQLOption) (*GraphQLExecutor, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid GraphQL endpoint %q", endpoint)
	}

	e := &GraphQLExecutor{
		endpoint: endpoint,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		},
		headers: make(http.Header),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "backend", "transport", "http")
	return e, nil
}

// Execute implements Executor
func (e *GraphQLExecutor) Execute(ctx context.Context, q Query) (*Result, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindUpstreamError, "cannot encode backend request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindUpstreamUnavailable, "cannot build backend request")
	}
	for k, v := range e.headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/graphql-response+json, application/json")
	if q.RequestID != "" {
		req.Header.Set("X-Request-ID", q.RequestID)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctxErr := contextError(ctx, err); ctxErr != nil {
			return nil, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, errors.WrapKind(err, errors.KindUpstreamTimeout, "backend deadline exceeded")
		}
		return nil, errors.WrapKind(err, errors.KindUpstreamUnavailable, "backend unreachable")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		if ctxErr := contextError(ctx, err); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.WrapKind(err, errors.KindUpstreamUnavailable, "backend connection lost")
	}
	if len(data) > maxResponseBytes {
		return nil, errors.New(errors.KindUpstreamError, "backend response too large")
	}

	switch {
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		e.logger.Debug("Backend unavailable", "status", resp.StatusCode)
		return nil, errors.WrapKind(fmt.Errorf("status %d", resp.StatusCode),
			errors.KindUpstreamUnavailable, "backend unavailable")
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		// GraphQL servers may answer 4xx with an errors body; prefer it
		if res, err := decodeResponse(data); err != nil && res != nil {
			return res, err
		}
		e.logger.Debug("Backend rejected request", "status", resp.StatusCode)
		return nil, errors.WrapKind(fmt.Errorf("status %d", resp.StatusCode),
			errors.KindUpstreamError, "backend rejected the request")
	}

	return decodeResponse(data)
}
