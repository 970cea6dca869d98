package metadata

import "math"

// Handle identifies a record inside a Table. Handles are plain indices, so they stay valid
// across Table growth and are only reused after the record they named has been released.
type Handle uint32

const (
	// NoHandle is the terminal value for every handle-linked list
	NoHandle Handle = math.MaxUint32
)

// Valid returns true if the handle is not NoHandle
func (h Handle) Valid() bool {
	return h != NoHandle
}
