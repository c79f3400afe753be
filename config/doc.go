// Package config loads and validates the gateway configuration.
//
// Configuration is assembled in layers:
//
//  1. DefaultConfig
//  2. each file passed to AddLayer, JSON or YAML, merged key by key
//  3. CONNECTGATE_* environment variables
//
// Only four values are required by the gateway core: whether the front-end is
// enabled, its listen address, the discovery source and the backend endpoint.
// Everything else has a default.
//
//	gateway:
//	  enabled: true
//	  listen_address: ":5026"
//	  request_timeout: 30s
//	discovery:
//	  source: ./services          # or nats-kv://contracts
//	  watch: true
//	backend:
//	  endpoint: http://localhost:3002/graphql   # or nats:graphql.execute
//	  timeout: 5s
//
// Duration fields accept Go duration strings ("500ms", "30s"). Environment
// overrides:
//
//	CONNECTGATE_GATEWAY_ENABLED
//	CONNECTGATE_GATEWAY_LISTEN_ADDRESS
//	CONNECTGATE_DISCOVERY_SOURCE
//	CONNECTGATE_BACKEND_ENDPOINT
//	CONNECTGATE_BACKEND_TIMEOUT
//	CONNECTGATE_NATS_URLS (comma separated)
//	CONNECTGATE_NATS_USERNAME, CONNECTGATE_NATS_PASSWORD, CONNECTGATE_NATS_TOKEN
//
// Config files are read through readConfigFile, which rejects oversized and
// non-regular files as well as relative paths leaving the working directory.
// Documents nested deeper than maxDocDepth are refused before decoding.
//
// SafeConfig guards a Config for concurrent readers; Get returns a deep copy.
package config
