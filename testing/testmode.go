// Package testing switches casegate binaries into test mode. Import it for
// side effects from tests that exercise a main package.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"

	"github.com/casegate/casegate/internal/app"
)

var once sync.Once

// Enable sets the test-mode variable and refreshes the cached flag.
func Enable() {
	once.Do(func() {
		_ = os.Setenv(app.TestModeEnv, "1")
	})
	app.RefreshTestMode()
}

func init() {
	Enable()
}

// TestMain enables test mode before running m.
func TestMain(m *stdtesting.M) {
	Enable()
	os.Exit(m.Run())
}
