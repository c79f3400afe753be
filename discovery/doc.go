// Package discovery scans a contract source and builds a contract.Registry.
//
// A source is a tree with the backend schema at its root and one directory
// per service:
//
//	schema.graphql
//	employees/service.yaml
//	employees/GetEmployeeById.graphql
//	employees/UpdateEmployeeMood.graphql
//
// DirSource reads the tree from disk and KVSource from a NATS KV bucket
// whose keys are the slash paths. service.yaml is checked against an
// embedded JSON Schema before it is decoded. Services are compiled in
// parallel; any failure aborts the run with a DiscoveryError naming the
// offending file, so a registry is either complete or absent.
package discovery
