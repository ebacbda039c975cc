package schc_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutines leak: every transfer teardown must
// cancel its timers and every test pipe must drain its pump.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
