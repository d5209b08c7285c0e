package app

import (
	"os"
	"strconv"
	"sync/atomic"
)

const testModeEnv = "ODYSSEY_TEST_MODE"

// testMode caches the parsed flag; nil until first read.
var testMode atomic.Pointer[bool]

// InTestMode reports whether binaries should skip connecting to Postgres and Redis.
func InTestMode() bool {
	if enabled := testMode.Load(); enabled != nil {
		return *enabled
	}
	return RefreshTestMode()
}

// RefreshTestMode re-reads ODYSSEY_TEST_MODE and returns the new value.
func RefreshTestMode() bool {
	enabled, _ := strconv.ParseBool(os.Getenv(testModeEnv))
	testMode.Store(&enabled)
	return enabled
}
