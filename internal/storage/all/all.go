// Package all registers every storage backend. Import it for side effects.
package all

import (
	_ "songetl/internal/storage/mssql"
	_ "songetl/internal/storage/postgres"
	_ "songetl/internal/storage/sqlite"
)
