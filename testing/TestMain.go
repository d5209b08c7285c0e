// Package testing forces test mode and placeholder configuration for packages that
// start binaries or load configuration in tests. Import it for side effects.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

var once sync.Once

var placeholders = map[string]string{
	"SESSION_SECRET":    "test-session-secret-test-session-secret",
	"IDP_TOKEN_URL":     "http://127.0.0.1:0/oauth2/v2.0/token",
	"IDP_CLIENT_ID":     "odyssey-test",
	"IDP_CLIENT_SECRET": "odyssey-test-secret",
}

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv("ODYSSEY_TEST_MODE", "1")
		for key, value := range placeholders {
			if os.Getenv(key) == "" {
				_ = os.Setenv(key, value)
			}
		}
	})
}

func init() {
	ensureTestMode()
}

func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
