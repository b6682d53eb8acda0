// Package backends registers every persistence backend shipped with sagaflow.
// Import it for side effects when the backend is chosen at runtime through
// config:
//
//	import _ "github.com/drblury/sagaflow/persistence/backends"
package backends

import (
	_ "github.com/drblury/sagaflow/persistence/memory"
	_ "github.com/drblury/sagaflow/persistence/mongo"
	_ "github.com/drblury/sagaflow/persistence/postgres"
	_ "github.com/drblury/sagaflow/persistence/sqlite"
)
