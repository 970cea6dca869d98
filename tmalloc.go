// Package tmalloc is a small general-purpose memory allocator that serves allocations from
// anonymous memory mappings and returns each mapping to the OS once nothing in it is live.
//
// The functions in this package share a single process-wide heap. Programs that want isolated
// heaps, size limits or logging should use the heap package directly.
package tmalloc

import (
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/tinymalloc/tmalloc/heap"
	"golang.org/x/exp/slog"
)

// DebugEnvVar turns on debug logging for the default heap when set to a non-empty value
const DebugEnvVar = "TMALLOC_DEBUG"

var (
	defaultOnce sync.Once
	defaultHeap *heap.Heap
)

// Default returns the process-wide heap, creating it on first use
func Default() *heap.Heap {
	defaultOnce.Do(func() {
		var err error
		defaultHeap, err = heap.New(defaultLogger(), heap.CreateOptions{})
		if err != nil {
			panic(err)
		}
	})

	return defaultHeap
}

func defaultLogger() *slog.Logger {
	if os.Getenv(DebugEnvVar) == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Malloc returns a pointer to at least size bytes, or nil if size is zero, too large or the
// system is out of memory
func Malloc(size int) unsafe.Pointer {
	ptr, err := Default().Allocate(size)
	if err != nil {
		return nil
	}
	return ptr
}

// Free releases memory returned by Malloc and reports whether ptr was a live allocation.
// Invalid pointers and double frees leave the heap untouched.
func Free(ptr unsafe.Pointer) bool {
	return Default().Free(ptr) == nil
}

// MallocBytes returns a slice of exactly size bytes, or nil if the allocation failed
func MallocBytes(size int) []byte {
	payload, err := Default().AllocateBytes(size)
	if err != nil {
		return nil
	}
	return payload
}

// FreeBytes releases a slice returned by MallocBytes and reports whether it was a live allocation
func FreeBytes(payload []byte) bool {
	return Default().FreeBytes(payload) == nil
}
