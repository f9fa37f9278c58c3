// Package guard turns on test mode for any test binary that imports it, so code paths
// that would dial Redis or the backend at startup stay inert.
package guard

import "os"

// Env is the variable checked by app.InTestMode.
const Env = "FMDESK_TEST_MODE"

func init() {
	if os.Getenv(Env) == "" {
		_ = os.Setenv(Env, "1")
	}
}

// Enabled reports whether the current process runs in test mode.
func Enabled() bool {
	return os.Getenv(Env) == "1"
}
