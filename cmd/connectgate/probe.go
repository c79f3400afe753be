package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/c360/connectgate/client"
	"github.com/c360/connectgate/config"
)

// probe discovers the contract tree locally, then calls one procedure on a
// running gateway and writes the JSON response to w.
func (a *app) probe(ctx context.Context, w io.Writer, procedure, input, baseURL string) error {
	if _, err := a.holder.Initialize(ctx); err != nil {
		return fmt.Errorf("contract discovery: %w", err)
	}
	ct, err := a.holder.Current().ResolveProcedure(procedure)
	if err != nil {
		return err
	}

	if baseURL == "" {
		baseURL = gatewayURL(a.cfg)
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	c := client.New(httpClient, baseURL, client.WithJSON(), client.WithLogger(a.logger))

	out, err := c.CallJSON(ctx, ct, []byte(input))
	if err != nil {
		return fmt.Errorf("%s: %w", ct.Procedure(), err)
	}
	_, err = fmt.Fprintf(w, "%s\n", out)
	return err
}

// gatewayURL addresses the configured listener from the local host
func gatewayURL(cfg *config.Config) string {
	scheme := "http"
	if cfg.Security.TLS.Server.Enabled {
		scheme = "https"
	}
	host, port, err := net.SplitHostPort(cfg.Gateway.ListenAddress)
	if err != nil {
		return scheme + "://" + cfg.Gateway.ListenAddress
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}
