// Package testutils provides helpers shared by the store backend tests.
//
// Key components:
//   - PostgresConfig: loads config-test.toml for tests against a local PostgreSQL
//   - RunBackendSuite: behavior every store.Backend must show, checked
//     against the in-memory reference ordering of store.Evaluate
//
// Example usage:
//
//	func TestBackend(t *testing.T) {
//		testutils.RunBackendSuite(t, func(t *testing.T) testutils.Harness {
//			return testutils.Harness{Backend: memstore.New()}
//		})
//	}
package testutils
