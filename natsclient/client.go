// Package natsclient manages the gateway's NATS connection with a circuit breaker.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/connectgate/errors"
	"github.com/c360/connectgate/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

var statusNames = [...]string{
	StatusDisconnected: "disconnected",
	StatusConnecting:   "connecting",
	StatusConnected:    "connected",
	StatusReconnecting: "reconnecting",
	StatusCircuitOpen:  "circuit_open",
}

func (s ConnectionStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Error values
var (
	ErrNotConnected      = stderrors.New("not connected to NATS")
	ErrCircuitOpen       = stderrors.New("circuit breaker is open")
	ErrConnectionTimeout = stderrors.New("connection timeout")
)

// Status is a point-in-time view of the client
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// Client owns one NATS connection. The gateway uses it for request/reply
// to a query backend and for reading and watching contract buckets.
type Client struct {
	url      string
	settings settings
	logger   *slog.Logger
	metrics  *metric.Metrics
	breaker  *breaker

	status atomic.Int32

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	monitorStop chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

// NewClient creates a client for url, which may list several servers
// separated by commas. Nothing is dialed until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	s := defaultSettings()
	for _, opt := range opts {
		if err := opt(&s); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c := &Client{
		url:      url,
		settings: s,
		logger:   s.logger.With("component", "natsclient"),
		breaker:  newBreaker(s.circuitThreshold, s.maxBackoff),
	}
	if s.metrics != nil {
		c.metrics = s.metrics.CoreMetrics()
	}
	return c, nil
}

// URL returns the configured server list
func (c *Client) URL() string { return c.url }

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

// IsHealthy reports whether the connection is up
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the failures counted since the last successful connect
func (c *Client) Failures() int32 {
	n, _, _ := c.breaker.snapshot()
	return n
}

// Backoff returns how long the circuit will stay open on its next trip
func (c *Client) Backoff() time.Duration {
	_, d, _ := c.breaker.snapshot()
	return d
}

// GetStatus returns the status together with failure history and RTT
func (c *Client) GetStatus() *Status {
	failures, _, last := c.breaker.snapshot()
	st := &Status{Status: c.Status(), FailureCount: failures, LastFailureTime: last}
	if rtt, err := c.RTT(); err == nil {
		st.RTT = rtt
	}
	return st
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
	if c.metrics == nil {
		return
	}
	c.metrics.RecordNATSStatus(s == StatusConnected)
	open := 0
	if s == StatusCircuitOpen {
		open = 1
	}
	c.metrics.RecordCircuitBreakerState(open)
}

func (c *Client) connection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) recordFailure() {
	opened, wait := c.breaker.trip(time.Now())
	switch {
	case opened:
		c.setStatus(StatusCircuitOpen)
		c.logger.Warn("NATS circuit breaker opened", "backoff", wait)
		time.AfterFunc(wait, c.halfOpen)
	case c.breaker.isOpen():
		c.logger.Warn("NATS circuit breaker still open", "backoff", wait)
	default:
		c.setStatus(StatusDisconnected)
	}
}

func (c *Client) halfOpen() {
	c.breaker.halfOpen()
	if c.status.CompareAndSwap(int32(StatusCircuitOpen), int32(StatusDisconnected)) {
		c.setStatus(StatusDisconnected)
		c.logger.Debug("NATS circuit breaker half-open")
	}
}

func (c *Client) resetCircuit() {
	c.breaker.reset()
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// WaitForConnection blocks until the client is connected or ctx ends
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !c.IsHealthy() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrConnectionTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Connect dials the servers and sets up JetStream. It fails fast with
// ErrCircuitOpen while the breaker is open.
func (c *Client) Connect(ctx context.Context) error {
	if c.breaker.isOpen() {
		return ErrCircuitOpen
	}
	c.setStatus(StatusConnecting)

	type dialed struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan dialed, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.natsOptions()...)
		done <- dialed{conn, err}
	}()

	var conn *nats.Conn
	select {
	case d := <-done:
		if d.err != nil {
			c.recordFailure()
			if c.breaker.isOpen() {
				return ErrCircuitOpen
			}
			return errors.WrapTransient(d.err, "Client", "Connect", "establish connection")
		}
		conn = d.conn
	case <-ctx.Done():
		c.recordFailure()
		// a late dial must not leak its connection
		go func() {
			if d := <-done; d.conn != nil {
				d.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		c.logger.Warn("JetStream unavailable", "error", err)
	}
	c.mu.Lock()
	c.conn, c.js = conn, js
	c.mu.Unlock()

	c.resetCircuit()
	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS", "url", conn.ConnectedUrlRedacted())

	if c.settings.healthInterval > 0 {
		c.monitor()
	}
	return nil
}

func (c *Client) natsOptions() []nats.Option {
	s := c.settings
	opts := []nats.Option{
		nats.MaxReconnects(s.maxReconnects),
		nats.ReconnectWait(s.reconnectWait),
		nats.PingInterval(s.pingInterval),
		nats.Timeout(s.timeout),
		nats.DrainTimeout(s.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setStatus(StatusReconnecting)
			if err != nil {
				c.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.resetCircuit()
			c.setStatus(StatusConnected)
			c.logger.Info("NATS reconnected", "url", nc.ConnectedUrlRedacted())
			if c.metrics != nil {
				c.metrics.RecordNATSReconnect()
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) { c.setStatus(StatusDisconnected) }),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			if sub != nil {
				c.logger.Error("NATS async error", "subject", sub.Subject, "error", err)
				return
			}
			c.logger.Error("NATS async error", "error", err)
		}),
	}

	switch {
	case s.token != "":
		opts = append(opts, nats.Token(s.token))
	case s.username != "":
		opts = append(opts, nats.UserInfo(s.username, s.password))
	}
	if s.tls != nil {
		opts = append(opts, nats.Secure(s.tls))
	}
	if s.name != "" {
		opts = append(opts, nats.Name(s.name))
	}
	return opts
}

// monitor samples RTT on the health interval and keeps the status in step
// with the underlying connection.
func (c *Client) monitor() {
	stop := make(chan struct{})
	c.mu.Lock()
	if c.monitorStop != nil {
		close(c.monitorStop)
	}
	c.monitorStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.settings.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			conn := c.connection()
			if conn == nil {
				continue
			}
			rtt, err := conn.RTT()
			healthy := err == nil && conn.IsConnected()
			if healthy && c.metrics != nil {
				c.metrics.RecordNATSRTT(rtt)
			}
			switch st := c.Status(); {
			case healthy && st != StatusConnected:
				c.setStatus(StatusConnected)
			case !healthy && st == StatusConnected:
				c.setStatus(StatusReconnecting)
			}
		}
	}()
}

// Close drains the connection within ctx or the drain timeout, whichever
// ends first. Credentials are cleared. Later calls return the first result.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { c.closeErr = c.close(ctx) })
	return c.closeErr
}

func (c *Client) close(ctx context.Context) error {
	c.mu.Lock()
	if c.monitorStop != nil {
		close(c.monitorStop)
		c.monitorStop = nil
	}
	conn, subs := c.conn, c.subs
	c.conn, c.js, c.subs = nil, nil, nil
	c.mu.Unlock()

	c.settings.clearCredentials()
	defer c.setStatus(StatusDisconnected)

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	if conn == nil {
		return stderrors.Join(errs...)
	}

	ctx, cancel := context.WithTimeout(ctx, c.settings.drainTimeout)
	defer cancel()
	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	select {
	case err := <-drained:
		if err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
		}
	case <-ctx.Done():
		errs = append(errs, errors.WrapTransient(ctx.Err(), "Client", "Close", "drain"))
	}
	conn.Close()

	if len(errs) > 0 {
		c.logger.Error("NATS close completed with errors", "count", len(errs))
	}
	return stderrors.Join(errs...)
}

// RTT returns the round-trip time to the connected server
func (c *Client) RTT() (time.Duration, error) {
	conn := c.connection()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// Request sends data to subject and waits for a single reply or ctx expiry.
// Header may be nil. nats.ErrNoResponders and nats.ErrTimeout are returned
// unwrapped so callers can classify them.
func (c *Client) Request(ctx context.Context, subject string, data []byte, header nats.Header) ([]byte, error) {
	if c.breaker.isOpen() {
		return nil, ErrCircuitOpen
	}
	conn := c.connection()
	if conn == nil || !conn.IsConnected() {
		return nil, ErrNotConnected
	}

	reply, err := conn.RequestMsgWithContext(ctx, &nats.Msg{Subject: subject, Data: data, Header: header})
	if stderrors.Is(err, context.DeadlineExceeded) {
		return nil, nats.ErrTimeout
	}
	if err != nil {
		return nil, err
	}
	return reply.Data, nil
}

// Respond serves subject under a queue group, replying with whatever handler
// returns. Used by in-process backends and tests.
func (c *Client) Respond(ctx context.Context, subject, queue string, handler func(context.Context, *nats.Msg) []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, c.settings.timeout)
		defer cancel()
		if err := msg.Respond(handler(msgCtx, msg)); err != nil {
			c.logger.Warn("NATS reply failed", "subject", subject, "error", err)
		}
	})
	if err != nil {
		return err
	}
	c.subs = append(c.subs, sub)
	return nil
}

func (c *Client) jetStream() (jetstream.JetStream, error) {
	if c.breaker.isOpen() {
		return nil, ErrCircuitOpen
	}
	if !c.IsHealthy() {
		return nil, ErrNotConnected
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(stderrors.New("JetStream not initialized"),
			"Client", "jetStream", "get JetStream context")
	}
	return c.js, nil
}

// CreateKeyValueBucket opens the bucket named in cfg, creating it when it
// does not exist. An existing bucket keeps its configuration.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.jetStream()
	if err != nil {
		return nil, err
	}

	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if err == nil {
		return kv, nil
	}
	if !stderrors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, errors.Wrap(err, "Client", "CreateKeyValueBucket", "look up bucket "+cfg.Bucket)
	}

	kv, err = js.CreateKeyValue(ctx, cfg)
	if stderrors.Is(err, jetstream.ErrBucketExists) {
		// lost a race with another creator
		return js.KeyValue(ctx, cfg.Bucket)
	}
	if err != nil {
		return nil, errors.Wrap(err, "Client", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
	}
	c.logger.Info("Created KV bucket", "bucket", cfg.Bucket, "history", cfg.History)
	return kv, nil
}

// GetKeyValueBucket opens an existing bucket. A missing bucket is an
// invalid-configuration error wrapping errors.ErrBucketNotFound.
func (c *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	js, err := c.jetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(ctx, name)
	if stderrors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, errors.WrapInvalid(errors.ErrBucketNotFound, "Client", "GetKeyValueBucket", name)
	}
	return kv, err
}
