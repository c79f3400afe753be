// Package testutil holds shared test fixtures for connectgate packages.
//
// The employees fixture is a complete contract tree (schema.graphql plus
// one HrService directory) embedded in the binary. EmployeesFiles returns
// it as a snapshot map and WriteEmployees lays it out on disk for
// directory-source tests.
//
// FakeBackend answers the fixture operations over GraphQL-over-HTTP
// (StartFakeBackend) or through HandleMessage for a NATS responder. It
// counts calls so tests can assert that rejected requests never reach the
// backend:
//
//	backend, endpoint := testutil.StartFakeBackend(t)
//	// ... configure the gateway with endpoint ...
//	assert.Zero(t, backend.Calls())
//
// Use testcontainers (natsclient.NewTestClient) for real NATS; this
// package carries no NATS mock.
package testutil
