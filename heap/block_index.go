package heap

import "github.com/tinymalloc/tmalloc/memutils/metadata"

// blockRange is the block index entry for one mapped region. Entries are ordered by base address.
type blockRange struct {
	base   uintptr
	size   int
	handle metadata.Handle
}

func blockRangeLess(a, b blockRange) bool {
	return a.base < b.base
}

// findBlock returns the block whose region contains addr
func (h *Heap) findBlock(addr uintptr) (metadata.Handle, bool) {
	var found blockRange
	var ok bool

	h.blockIndex.DescendLessOrEqual(blockRange{base: addr}, func(item blockRange) bool {
		found = item
		ok = true
		return false
	})

	if !ok || addr >= found.base+uintptr(found.size) {
		return metadata.NoHandle, false
	}

	return found.handle, true
}
