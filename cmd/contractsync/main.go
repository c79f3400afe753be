// Package main implements contractsync, which publishes a contract
// directory into the NATS KV bucket a gateway discovers contracts from.
// The tree is compiled first, so a bucket never receives contracts the
// gateway would reject.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/connectgate/discovery"
	"github.com/c360/connectgate/natsclient"
)

const appName = "contractsync"

// maxHistory is the most revisions JetStream keeps per KV key
const maxHistory = 64

type options struct {
	natsURL  string
	bucket   string
	dir      string
	prune    bool
	dryRun   bool
	force    bool
	history  int
	timeout  time.Duration
	logLevel string
}

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		slog.Error("Sync failed", "error", err)
		os.Exit(1)
	}
}

func parseOptions(args []string) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.StringVar(&o.natsURL, "nats", getEnv("CONNECTGATE_NATS_URLS", "nats://localhost:4222"),
		"NATS server URL (env: CONNECTGATE_NATS_URLS)")
	fs.StringVar(&o.bucket, "bucket", "contracts", "KV bucket to publish into")
	fs.StringVar(&o.dir, "dir", "", "Contract directory (required)")
	fs.BoolVar(&o.prune, "prune", false, "Delete bucket keys that are not in the directory")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Report changes without writing")
	fs.BoolVar(&o.force, "force", false, "Publish even when the tree fails to compile")
	fs.IntVar(&o.history, "history", 5, "Revisions kept per key when the bucket is created")
	fs.DurationVar(&o.timeout, "timeout", time.Minute, "Overall timeout")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.dir == "" {
		return nil, fmt.Errorf("--dir is required")
	}
	if o.bucket == "" {
		return nil, fmt.Errorf("--bucket must not be empty")
	}
	if o.history < 1 || o.history > maxHistory {
		return nil, fmt.Errorf("--history must be between 1 and %d", maxHistory)
	}
	return o, nil
}

func run(ctx context.Context, args []string) error {
	o, err := parseOptions(args)
	if err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", o.logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("service", appName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	src := discovery.NewDirSource(o.dir)
	files, err := src.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("read %s: %w", o.dir, err)
	}

	res, err := discovery.New(&discovery.MapSource{Name: o.dir, Files: files}, discovery.WithLogger(logger)).Discover(ctx)
	switch {
	case err != nil && !o.force:
		return fmt.Errorf("contracts do not compile (use --force to publish anyway): %w", err)
	case err != nil:
		logger.Warn("Publishing contracts that do not compile", "error", err)
	default:
		logger.Info("Contracts compiled",
			"services", len(res.Registry.Services()),
			"contracts", res.Registry.Len(),
			"fingerprint", res.Registry.Fingerprint())
	}

	client, err := natsclient.NewClient(strings.TrimSpace(o.natsURL),
		natsclient.WithName(appName),
		natsclient.WithLogger(logger),
		natsclient.WithHealthInterval(0))
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() { _ = client.Close(context.Background()) }()
	if err := client.WaitForConnection(ctx); err != nil {
		return fmt.Errorf("NATS connection: %w", err)
	}

	kv, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      o.bucket,
		Description: "connectgate contract tree",
		History:     uint8(o.history),
	})
	if err != nil {
		return fmt.Errorf("open bucket %s: %w", o.bucket, err)
	}

	sum, err := syncFiles(ctx, client.NewKVStore(kv), files, syncOptions{prune: o.prune, dryRun: o.dryRun}, logger)
	if err != nil {
		return err
	}
	logger.Info("Sync complete", "bucket", o.bucket, "summary", sum.String(), "dry_run", o.dryRun)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
