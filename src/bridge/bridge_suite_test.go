// bridge_suite_test.go
// Ginkgo suite bootstrap for controller_test.go.
// Registers Gomega's fail handler and calls RunSpecs from Ginkgo v2 so the
// Describe blocks run under `go test`.
package bridge_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestBridgeController(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Bridge Controller Suite")
}
