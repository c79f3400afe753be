// Package natsclient wraps the NATS Go client with a circuit breaker,
// reconnection handling and the two capabilities the gateway needs from
// NATS: request/reply to a query backend and a key-value contract source.
//
// # Circuit Breaker
//
// After five consecutive connection failures (configurable with
// WithCircuitBreakerThreshold) the client reports StatusCircuitOpen and
// fails fast with ErrCircuitOpen. The circuit half-opens after a backoff
// that doubles up to WithMaxBackoff.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	reply, err := client.Request(ctx, "graphql.execute", payload, nil)
//
// Request returns nats.ErrNoResponders and nats.ErrTimeout unwrapped so the
// backend executor can map them to unavailable and timeout errors.
//
// # Key-Value Store
//
// KVStore reads whole buckets for the contract source:
//
//	bucket, err := client.GetKeyValueBucket(ctx, "contracts")
//	store := client.NewKVStore(bucket)
//	files, err := store.Snapshot(ctx) // key -> file contents
//	watcher, err := store.Watch(ctx, ">")
//
// # Testing
//
// NewTestClient starts nats:2.11.7-alpine through testcontainers and
// registers cleanup with the test. Tests using it carry the integration
// build tag.
package natsclient
