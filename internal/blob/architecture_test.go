package blob

import (
	"strings"
	"testing"

	"coffeeledger/testutil"
)

// TestOnlyBlobPackageImportsInfra keeps the infra blob adapters behind this
// package: everything else depends on blob.Store.
func TestOnlyBlobPackageImportsInfra(t *testing.T) {
	infraPrefix := testutil.ModulePath + "/internal/infra/blob"
	allowed := func(path string) bool {
		return !strings.HasPrefix(path, testutil.ModulePath+"/internal/blob") && !strings.HasPrefix(path, infraPrefix)
	}
	forbidden := func(path string) bool {
		return path == infraPrefix || strings.HasPrefix(path, infraPrefix+"/")
	}
	testutil.AssertPackagesAvoid(t, testutil.ModulePath+"/...", allowed, forbidden, "use coffeeledger/internal/blob instead")
}
