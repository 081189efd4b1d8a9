package flush

import (
	"testing"

	"ormcore/testutil"
)

func TestEngineImportBoundaries(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.SessionImportForbidden,
		"engine internals must not depend on the public session package")
	testutil.AssertNoDirectImports(t, ".", testutil.DriverImportForbidden,
		"statements go through the executor contract, never a driver")
}
