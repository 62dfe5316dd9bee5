package incident

import "github.com/oklog/ulid/v2"

// NewID returns a new lexicographically sortable incident identifier.
func NewID() string {
	return ulid.Make().String()
}
