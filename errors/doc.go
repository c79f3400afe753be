// Package errors provides error classification and the gateway failure taxonomy.
//
// # Classification
//
// Classify places every error in one of three classes. An explicit
// ClassifiedError wins; otherwise the gateway Kind decides:
//
//   - Transient: upstream timeouts, unreachable backends, rate limits
//   - Invalid: malformed input, unknown methods, bad configuration
//   - Fatal: discovery failures, upstream errors, anything unrecognized
//
// Wrapping follows the format "component.method: action failed: %w":
//
//	if err := yaml.Unmarshal(data, &def); err != nil {
//	    return errors.WrapInvalid(err, "Discoverer", "loadService", "decode service.yaml")
//	}
//
// # Gateway taxonomy
//
// Failures that reach a client carry a Kind. The front-end maps each Kind to a
// protocol status (Connect code, gRPC status, HTTP status) and a stable
// machine-readable reason, so clients branch on the same value whichever wire
// form they used:
//
//	DISCOVERY_ERROR       registry could not be built
//	NOT_FOUND             unknown service or method
//	BAD_REQUEST           payload does not decode into the input schema
//	VALIDATION_ERROR      decoded input violates declared constraints
//	METHOD_NOT_ALLOWED    GET against a mutating contract
//	UNSUPPORTED_ENCODING  unrecognized content type or protocol
//	UPSTREAM_TIMEOUT      backend missed its deadline
//	UPSTREAM_ERROR        backend reported a failure
//	UPSTREAM_UNAVAILABLE  backend could not be reached
//
// GatewayError keeps the client-safe Message apart from the internal Err.
// PublicMessage never returns text from Err, so backend addresses, subjects
// and raw GraphQL errors stay in the logs.
//
//	return errors.WrapKind(err, errors.KindUpstreamUnavailable, "backend unavailable")
//
// Retryable reports which kinds a caller may retry for side-effect-free
// contracts. The server itself never retries.
package errors
