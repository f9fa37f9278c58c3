package app

import (
	"log/slog"
	"os"
	"sync"
)

const testModeEnv = "FMDESK_TEST_MODE"

var testMode = sync.OnceValue(func() bool {
	return os.Getenv(testModeEnv) == "1"
})

// InTestMode reports whether the process runs under go test. Test binaries import the
// test guard, which sets FMDESK_TEST_MODE before main packages initialise.
func InTestMode() bool {
	return testMode()
}

// SkipStartup reports whether binary must return before dialling Redis or the backend.
func SkipStartup(binary string) bool {
	if !InTestMode() {
		return false
	}
	slog.Default().Info("test mode detected, skipping startup", slog.String("binary", binary))
	return true
}
