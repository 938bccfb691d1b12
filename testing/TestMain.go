// Package testing prepares a hermetic environment for package tests. Import it
// for side effects from tests that read configuration or start binaries.
package testing

import (
	"os"
	"strings"
	"sync"
	stdtesting "testing"
)

// scrubbedPrefixes are configuration variables a developer shell may export
// that would change defaults asserted by tests.
var scrubbedPrefixes = []string{"SETTLEMENT_", "FISCAL_", "AGING_", "APP_", "LOG_", "IDEMPOTENCY_"}

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		for _, kv := range os.Environ() {
			name, _, _ := strings.Cut(kv, "=")
			for _, prefix := range scrubbedPrefixes {
				if strings.HasPrefix(name, prefix) {
					_ = os.Unsetenv(name)
				}
			}
		}
		_ = os.Setenv("SETTLEMENT_TEST_MODE", "1")
	})
}

func init() {
	ensureTestMode()
}

// TestMain can be assigned by packages that want the guard applied explicitly.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
