// Package testutil provides test helpers for mailwatch tests.
//
// The package is organized into focused files:
//   - assert.go: assertion helpers (MustNoErr, AssertStrings)
//   - store_helpers.go: database test setup (NewTestStore, SeedAccount)
//   - clock.go: fake clocks for waits and expiry
//   - message.go: raw MIME fixtures
package testutil
