package collect

import "github.com/google/uuid"

// newID mints an identifier for a Phase or CollectTask. Centralized so the
// uuid dependency has exactly one call site.
func newID() string {
	return uuid.NewString()
}
