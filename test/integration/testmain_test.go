//go:build integration

package integration_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies the datapath tests tear everything down: tunnel
// read loops, engine timers, and the managers themselves.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
