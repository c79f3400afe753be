// Package gateway serves registered GraphQL contracts as Connect RPCs.
//
// Every contract of the current registry snapshot is reachable at its
// procedure path, /<package>.<Service>/<Method>, over four wire forms:
//
//   - Connect unary POST with a JSON or binary protobuf body
//   - Connect GET with encoding, message and connect query parameters,
//     for read-only contracts only
//   - gRPC (HTTP/2, cleartext or TLS)
//   - gRPC-Web
//
// # Request Flow
//
//	client ──► chi router ──► Gateway.ServeHTTP ──► connect handler ──► translator ──► backend
//	             │                 │
//	             │                 └─ rejects unknown procedures, GET on mutations,
//	             │                    unsupported encodings and requests while not ready
//	             └─ request ID, access log, panic recovery, CORS, size and rate limits
//
// Rejections made before connect decodes the payload use connect's error
// writer, so the body always matches the caller's protocol. For Connect
// callers the HTTP status follows the error kind (404, 405, 415, 429, 503).
//
// # Errors
//
// Every failure carries a google.rpc.ErrorInfo detail whose reason is the
// error kind (for example METHOD_NOT_ALLOWED) in the "connectgate" domain.
// Validation failures add a google.rpc.BadRequest detail listing each
// field. Backend addresses and internal causes never reach the client;
// KindFromConnect and FieldViolations recover both details on the client
// side.
//
// # Reloads
//
// The Gateway listens to its registry.Holder. When a reload swaps the
// registry it builds a new handler table and stores it atomically; calls
// already in flight finish against the snapshot they started with.
//
// # Admin
//
// With admin enabled the server also exposes:
//
//	GET  /admin/services   served services, methods and the last reload
//	POST /admin/reload     rediscover contracts; 422 when discovery fails
//
// /health reports liveness and /ready reports whether a registry is served.
package gateway
