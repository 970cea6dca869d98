package heap

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrOutOfMemory indicates that no free chunk could satisfy a request and a new block could
	// not be mapped, either because the OS refused or because the heap's size limit was reached.
	ErrOutOfMemory = errors.New("tmalloc: out of memory")

	// ErrZeroSize indicates a request for zero bytes. Zero-size allocations are always refused.
	ErrZeroSize = errors.New("tmalloc: zero-size allocation")

	// ErrSizeOverflow indicates a request that is negative or too large to be combined with the
	// heap's bookkeeping overhead.
	ErrSizeOverflow = errors.New("tmalloc: allocation size overflows")

	// ErrInvalidPointer indicates a free of a pointer that is not a live allocation of this heap.
	ErrInvalidPointer = errors.New("tmalloc: invalid pointer")

	// ErrDoubleFree indicates a free of a pointer that was already freed. It matches
	// ErrInvalidPointer under errors.Is.
	ErrDoubleFree = errors.Wrap(ErrInvalidPointer, "double free")

	// ErrHeapDestroyed indicates use of a heap after Destroy
	ErrHeapDestroyed = errors.New("tmalloc: heap destroyed")
)

// outOfMemoryError reports a block that could not be mapped. It matches ErrOutOfMemory and
// unwraps to the mapping failure.
type outOfMemoryError struct {
	cause     error
	blockSize int
	size      int
}

func (e *outOfMemoryError) Error() string {
	return fmt.Sprintf("%s: failed to map a %d-byte block for a %d-byte allocation: %s", ErrOutOfMemory, e.blockSize, e.size, e.cause)
}

func (e *outOfMemoryError) Is(target error) bool {
	return target == ErrOutOfMemory
}

func (e *outOfMemoryError) Unwrap() error {
	return e.cause
}
