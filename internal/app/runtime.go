package app

import (
	"os"
	"strconv"
	"sync/atomic"
)

// TestModeEnv makes both binaries return before opening Postgres or Redis.
const TestModeEnv = "STOCKLEDGER_TEST_MODE"

var testMode atomic.Pointer[bool]

// InTestMode reports whether TestModeEnv is set to a true value. The first
// call reads the environment; later calls reuse that answer.
func InTestMode() bool {
	if on := testMode.Load(); on != nil {
		return *on
	}
	return RefreshTestMode()
}

// RefreshTestMode re-reads TestModeEnv and returns the new value.
func RefreshTestMode() bool {
	on, _ := strconv.ParseBool(os.Getenv(TestModeEnv))
	testMode.Store(&on)
	return on
}
