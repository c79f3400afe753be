package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const natsImage = "nats:2.11.7-alpine"

// TestClient is a connected Client backed by a throwaway NATS container
type TestClient struct {
	Client *Client
	URL    string

	container testcontainers.Container
}

type testConfig struct {
	buckets      []string
	dialTimeout  time.Duration
	startTimeout time.Duration
}

// TestOption configures a TestClient
type TestOption func(*testConfig)

// WithKVBuckets enables JetStream and creates the named buckets
func WithKVBuckets(buckets ...string) TestOption {
	return func(cfg *testConfig) { cfg.buckets = append(cfg.buckets, buckets...) }
}

// WithFastStartup shortens dial and container start timeouts
func WithFastStartup() TestOption {
	return func(cfg *testConfig) {
		cfg.dialTimeout = 2 * time.Second
		cfg.startTimeout = 10 * time.Second
	}
}

// NewTestClient starts a NATS container, connects a Client to it and
// registers cleanup with t.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	cfg := testConfig{dialTimeout: 5 * time.Second, startTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()
	container, url, err := startNATS(ctx, cfg)
	if err != nil {
		t.Fatalf("NATS test container: %v", err)
	}
	tc := &TestClient{URL: url, container: container}
	t.Cleanup(func() { _ = tc.Terminate() })

	tc.Client, err = NewClient(url,
		WithTimeout(cfg.dialTimeout),
		WithMaxReconnects(0),
		WithHealthInterval(0))
	if err != nil {
		t.Fatalf("NATS test client: %v", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.dialTimeout)
	defer cancel()
	if err := tc.Client.Connect(dialCtx); err != nil {
		t.Fatalf("connect to %s: %v", url, err)
	}

	for _, bucket := range cfg.buckets {
		if _, err := tc.KVStore(ctx, bucket); err != nil {
			t.Fatalf("create bucket %s: %v", bucket, err)
		}
	}
	return tc
}

func startNATS(ctx context.Context, cfg testConfig) (testcontainers.Container, string, error) {
	cmd := []string{"--port", "4222", "--http_port", "8222"}
	if len(cfg.buckets) > 0 {
		cmd = append(cmd, "--js")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        natsImage,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          cmd,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp").WithStartupTimeout(cfg.startTimeout),
				wait.ForHTTP("/healthz").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("start container: %w", err)
	}

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, "", fmt.Errorf("resolve endpoint: %w", err)
	}
	return container, endpoint, nil
}

// Terminate closes the client and stops the container. Safe to call twice.
func (tc *TestClient) Terminate() error {
	if tc.Client != nil {
		_ = tc.Client.Close(context.Background())
	}
	if tc.container == nil {
		return nil
	}
	err := tc.container.Terminate(context.Background())
	tc.container = nil
	return err
}

// KVStore returns a store over the named bucket, creating it if needed
func (tc *TestClient) KVStore(ctx context.Context, bucket string) (*KVStore, error) {
	kv, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		return nil, err
	}
	return tc.Client.NewKVStore(kv), nil
}
