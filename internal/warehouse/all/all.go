// Package all registers every storage backend. Import it for side effects
// from binaries that select the backend at runtime:
//
//	import _ "coursedw/internal/warehouse/all"
package all

import (
	_ "coursedw/internal/warehouse/mssql"
	_ "coursedw/internal/warehouse/postgres"
	_ "coursedw/internal/warehouse/sqlite"
)
