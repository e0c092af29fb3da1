package app

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

// TestModeEnv makes binaries return before touching Postgres or Redis.
const TestModeEnv = "CASEGATE_TEST_MODE"

var (
	testMode     atomic.Bool
	testModeInit sync.Once
)

func loadTestMode() {
	enabled, _ := strconv.ParseBool(os.Getenv(TestModeEnv))
	testMode.Store(enabled)
}

// InTestMode reports whether binaries should skip runtime side effects.
func InTestMode() bool {
	testModeInit.Do(loadTestMode)
	return testMode.Load()
}

// RefreshTestMode re-reads TestModeEnv after the environment changed.
func RefreshTestMode() {
	testModeInit.Do(func() {})
	loadTestMode()
}
