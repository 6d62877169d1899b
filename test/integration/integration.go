// Package integration is a helper for running integration tests.
//
// Tests that need external resources call [Skip] or [NeedDB] first. Without
// the "integration" build tag those tests are skipped.
//
// A database is found by looking at the environment variable named by
// [EnvDSN]. If unset, a throwaway PostgreSQL container is started with the
// local Docker daemon and removed by the function returned from [DBSetup].
package integration

import (
	"testing"
)

// Skip will skip the current test or benchmark if this package was built without
// the "integration" build tag.
//
// This should be used as an annotation at the top of the function, like
// (*testing.T).Parallel().
//
// See the example for usage.
func Skip(t testing.TB) {
	if skip {
		t.Skip("skipping integration test: integration tag not provided")
	}
}
