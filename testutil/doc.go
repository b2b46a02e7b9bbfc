// Package testutil provides deterministic fixtures for alloclog tests.
//
// This package is intended for use in tests and benchmarks only.
//
//	rng := testutil.NewRNG(42)
//	recs := rng.Records(5000)
//	require.NoError(t, record.WriteFile(path, recs))
package testutil
