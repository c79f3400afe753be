// Package health tracks the health of the gateway's dependencies and serves
// the liveness and readiness endpoints.
//
// A Monitor holds one Status per dependency. Statuses are pushed by the
// owning component (for example the registry holder after each reload) or
// pulled from Probes registered with the monitor, which ReadinessHandler
// evaluates on every request:
//
//	monitor := health.NewMonitor()
//	monitor.Register("registry", func(ctx context.Context) health.Status {
//	    if holder.Ready() {
//	        return health.NewHealthy("registry", "contracts loaded")
//	    }
//	    return health.NewUnhealthy("registry", "no registry published")
//	})
//	router.Get("/ready", health.ReadinessHandler(monitor, "connectgate"))
//
// # Health States
//
// Three states are supported. Aggregate is unhealthy if any sub-status is
// unhealthy, degraded if any is degraded, healthy otherwise. A degraded
// gateway still reports ready: a failed reload that left the previous
// registry in service is degraded, not down.
//
// # Sanitization
//
// FromError strips URLs, file paths, IP addresses, ports and credential
// assignments from error text, since the health endpoints are served without
// authentication.
package health
