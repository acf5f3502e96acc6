// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

package materializer

import "fmt"

// stringify renders a tuple column value as a comparable string for use as
// a join-value set member. Postgres values arrive already decoded into Go
// scalars by the replication decoder (out of scope here), so a %v format
// is sufficient — it never needs to round-trip, only to compare equal for
// equal inputs.
func stringify(v any) string {
	return fmt.Sprintf("%v", v)
}
