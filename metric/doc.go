// Package metric owns the Prometheus registry of the gateway.
//
// MetricsRegistry wraps a private prometheus.Registry (Go runtime and process
// collectors included) together with Metrics, the gateway's own series under
// the "connectgate" namespace:
//
//	connectgate_rpc_requests_total{service,method,protocol,code}
//	connectgate_rpc_duration_seconds{service,method,protocol}
//	connectgate_rpc_in_flight
//	connectgate_backend_duration_seconds{service,method}
//	connectgate_backend_errors_total{service,method,kind}
//	connectgate_registry_state
//	connectgate_registry_services
//	connectgate_registry_contracts
//	connectgate_registry_reloads_total{result}
//	connectgate_nats_*
//
// Components that own extra collectors (the response cache, for instance)
// register them through MetricsRegistrar using a "component.metric" key, so
// duplicate registration surfaces as an invalid-class error instead of a panic.
//
// The registry is scraped either through Handler mounted on the gateway
// router or through Server on a dedicated port.
package metric
