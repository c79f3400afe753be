package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/connectgate/backend"
	"github.com/c360/connectgate/config"
	"github.com/c360/connectgate/discovery"
	"github.com/c360/connectgate/gateway"
	"github.com/c360/connectgate/health"
	"github.com/c360/connectgate/metric"
	"github.com/c360/connectgate/natsclient"
	"github.com/c360/connectgate/pkg/cache"
	"github.com/c360/connectgate/pkg/security"
	"github.com/c360/connectgate/pkg/tlsutil"
	"github.com/c360/connectgate/registry"
	"github.com/c360/connectgate/translator"
)

// app wires the gateway's collaborators together
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	monitor *health.Monitor

	nats   *natsclient.Client
	source discovery.Source
	holder *registry.Holder

	translator    *translator.Translator
	server        *gateway.Server
	metricsServer *metric.Server
}

// newApp connects NATS when the config needs it and prepares contract
// discovery. Nothing is served yet.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metric.NewMetricsRegistry(),
		monitor: health.NewMonitor(),
	}

	if cfg.UsesNATS() {
		if err := a.connectNATS(ctx); err != nil {
			return nil, err
		}
	}

	src, err := a.newSource(ctx)
	if err != nil {
		a.close(5 * time.Second)
		return nil, err
	}
	a.source = src

	a.holder = registry.NewHolder(
		discovery.New(src, discovery.WithLogger(logger)),
		registry.WithLogger(logger),
		registry.WithMetrics(a.metrics),
	)
	a.monitor.Register("registry", a.holder.Probe)
	return a, nil
}

func (a *app) connectNATS(ctx context.Context) error {
	nc := a.cfg.NATS
	url := "nats://localhost:4222"
	if len(nc.URLs) > 0 {
		url = strings.Join(nc.URLs, ",")
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(a.metrics),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithReconnectWait(nc.ReconnectWait),
	}
	switch {
	case nc.Token != "":
		opts = append(opts, natsclient.WithToken(nc.Token))
	case nc.Username != "":
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.TLS.Enabled {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(security.ClientTLSConfig{
			CAFiles:    nonEmpty(nc.TLS.CAFile),
			MinVersion: a.cfg.Security.TLS.Backend.MinVersion,
			MTLS: security.ClientMTLSConfig{
				Enabled:  nc.TLS.CertFile != "",
				CertFile: nc.TLS.CertFile,
				KeyFile:  nc.TLS.KeyFile,
			},
		})
		if err != nil {
			return fmt.Errorf("NATS TLS: %w", err)
		}
		opts = append(opts, natsclient.WithTLS(tlsConfig))
	}

	client, err := natsclient.NewClient(url, opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	a.logger.Info("Connecting to NATS", "url", client.URL())
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	a.nats = client

	// Readiness only depends on NATS when calls are executed over it
	natsBackend := strings.HasPrefix(a.cfg.Backend.Endpoint, config.NATSBackendScheme)
	a.monitor.Register("nats", func(context.Context) health.Status {
		status := client.Status().String()
		switch {
		case client.IsHealthy():
			return health.NewHealthy("nats", status)
		case natsBackend:
			return health.NewUnhealthy("nats", status)
		default:
			return health.NewDegraded("nats", status)
		}
	})
	return nil
}

// newSource opens the contract source named by discovery.source: a
// nats-kv://<bucket> URL or a directory.
func (a *app) newSource(ctx context.Context) (discovery.Source, error) {
	source := a.cfg.Discovery.Source
	bucket, ok := strings.CutPrefix(source, config.KVSourcePrefix)
	if !ok {
		return discovery.NewDirSource(source), nil
	}

	kv, err := a.nats.GetKeyValueBucket(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("open contract bucket %s: %w", bucket, err)
	}
	return discovery.NewKVSource(a.nats.NewKVStore(kv), bucket), nil
}

// validate runs discovery once and prints what would be served
func (a *app) validate(ctx context.Context, w io.Writer) error {
	report, err := a.holder.Initialize(ctx)
	if err != nil {
		return fmt.Errorf("contract discovery: %w", err)
	}

	_, _ = fmt.Fprintf(w, "Configuration is valid\n")
	_, _ = fmt.Fprintf(w, "  source:      %s\n", a.source.Location())
	_, _ = fmt.Fprintf(w, "  services:    %d\n", report.Services)
	_, _ = fmt.Fprintf(w, "  contracts:   %d\n", report.Contracts)
	_, _ = fmt.Fprintf(w, "  fingerprint: %s\n", report.Fingerprint)
	for _, c := range a.holder.Current().Contracts() {
		_, _ = fmt.Fprintf(w, "  %-9s %s\n", c.Kind, c.Procedure())
	}
	for _, s := range report.Skipped {
		_, _ = fmt.Fprintf(w, "  skipped:   %s\n", s)
	}
	return nil
}

func (a *app) backendDeps() (backend.Deps, error) {
	deps := backend.Deps{Logger: a.logger}
	if a.nats != nil {
		deps.NATS = a.nats
	}
	if strings.HasPrefix(a.cfg.Backend.Endpoint, "https://") {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(a.cfg.Security.TLS.Backend)
		if err != nil {
			return deps, err
		}
		deps.TLS = tlsConfig
	}
	return deps, nil
}

// setupServing builds the execution pipeline and the listeners
func (a *app) setupServing(ctx context.Context) error {
	if m := a.cfg.Metrics; m.Enabled && m.Port != 0 {
		a.metricsServer = metric.NewServer(m.Port, m.Path, a.metrics, a.cfg.Security)
	}

	gw := a.cfg.Gateway
	if !gw.Enabled {
		a.logger.Info("Gateway front-end disabled; serving no RPC traffic")
		if a.cfg.Metrics.Enabled && a.cfg.Metrics.Port == 0 {
			a.logger.Warn("Metrics are configured on the gateway listener, which is disabled")
		}
		return nil
	}

	deps, err := a.backendDeps()
	if err != nil {
		return fmt.Errorf("backend TLS: %w", err)
	}
	exec, err := backend.New(a.cfg.Backend, deps)
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}

	trOpts := []translator.Option{
		translator.WithLogger(a.logger),
		translator.WithMetrics(a.metrics),
		translator.WithTimeout(backendTimeout(a.cfg)),
		translator.WithMaxInFlight(gw.MaxInFlight),
	}
	if rc := gw.ResponseCache; rc.Enabled {
		responses, err := cache.NewExpiring[[]byte](ctx, rc.TTL, rc.MaxEntries, rc.CleanupInterval,
			cache.WithMetrics[[]byte](a.metrics, "response_cache"))
		if err != nil {
			return fmt.Errorf("create response cache: %w", err)
		}
		trOpts = append(trOpts, translator.WithCache(responses))
	}
	a.translator = translator.New(exec, trOpts...)

	g := gateway.New(a.holder, a.translator, gw,
		gateway.WithLogger(a.logger),
		gateway.WithMetrics(a.metrics))

	srvOpts := []gateway.ServerOption{
		gateway.WithHealthMonitor(a.monitor),
		gateway.WithSecurity(a.cfg.Security),
		gateway.WithServerLogger(a.logger),
	}
	if m := a.cfg.Metrics; m.Enabled && m.Port == 0 {
		srvOpts = append(srvOpts, gateway.WithMetricsHandler(m.Path, a.metrics.Handler()))
	}
	a.server = gateway.NewServer(g, srvOpts...)
	return a.server.Setup()
}

// serve runs every long-lived task until ctx is done or one of them fails
func (a *app) serve(ctx context.Context, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	ready := make(chan struct{})
	if a.server != nil {
		g.Go(func() error {
			return a.server.Start(gctx, ready)
		})
	} else {
		close(ready)
	}

	if a.metricsServer != nil {
		errCh, err := a.metricsServer.Start()
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		a.logger.Info("Metrics server listening", "address", a.metricsServer.Address())
		g.Go(func() error {
			select {
			case err := <-errCh:
				return err
			case <-gctx.Done():
				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return a.metricsServer.Stop(stopCtx)
			}
		})
	}

	g.Go(func() error {
		return a.reloadOnHangup(gctx)
	})

	if a.cfg.Discovery.Watch {
		g.Go(func() error {
			return a.watch(gctx)
		})
	}

	select {
	case <-ready:
		a.logger.Info("connectgate started",
			"gateway", a.server != nil,
			"procedures", len(a.holder.Current().Contracts()),
			"fingerprint", a.holder.Current().Fingerprint())
	case <-gctx.Done():
	}

	return g.Wait()
}

// reloadOnHangup reloads the registry on every SIGHUP
func (a *app) reloadOnHangup(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			a.logger.Info("Received SIGHUP, reloading contracts")
			// the holder logs and records the outcome
			_, _ = a.holder.Reload(ctx)
		}
	}
}

func (a *app) watch(ctx context.Context) error {
	debounce := a.cfg.Discovery.WatchDebounce
	switch src := a.source.(type) {
	case *discovery.DirSource:
		return a.holder.WatchDir(ctx, src.Root(), debounce)
	case *discovery.KVSource:
		return a.holder.WatchKV(ctx, src.Store(), debounce)
	}
	a.logger.Warn("Contract source cannot be watched", "source", a.source.Location())
	return nil
}

// close releases the translator cache and the NATS connection
func (a *app) close(timeout time.Duration) {
	if a.translator != nil {
		if err := a.translator.Close(); err != nil {
			a.logger.Warn("Failed to close translator", "error", err)
		}
	}
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("Failed to close NATS connection", "error", err)
		}
	}
}

// backendTimeout is the default deadline of one backend call. Per-method
// timeouts in service.yaml still take precedence.
func backendTimeout(cfg *config.Config) time.Duration {
	if cfg.Backend.Timeout > 0 {
		return cfg.Backend.Timeout
	}
	return cfg.Gateway.RequestTimeout
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
