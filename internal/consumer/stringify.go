// Copyright (C) 2026 the shapesync contributors.
// See LICENSE for copying information.

package consumer

import "fmt"

// stringifyJoinValue mirrors materializer's own column-value stringification
// so that a join value computed here matches one computed there for the
// same underlying value.
func stringifyJoinValue(v any) string {
	return fmt.Sprintf("%v", v)
}
