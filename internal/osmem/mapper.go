// Package osmem wraps the operating system's anonymous memory mapping facility and keeps
// track of how much memory the heap has taken from it.
package osmem

//go:generate mockgen -source=mapper.go -destination=mocks/mock_mapper.go -package=mocks

// Mapper acquires and releases page-aligned, zeroed, read/write regions of memory at an
// address chosen by the OS.
type Mapper interface {
	// Map returns a region of exactly size bytes. size is always a multiple of PageSize.
	Map(size int) ([]byte, error)
	// Unmap releases a region previously returned by Map. It must be passed the exact slice
	// Map returned, not a subslice.
	Unmap(region []byte) error
	// PageSize returns the granularity of the mapping facility in bytes
	PageSize() int
}
