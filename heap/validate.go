package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/tinymalloc/tmalloc/memutils/metadata"
)

func (h *Heap) validate() error {
	blockCount := 0
	totalFree := 0
	totalAllocated := 0

	for handle := h.blockHead; handle.Valid(); {
		if !h.blocks.IsLive(handle) {
			return errors.Newf("block list links to block handle %d, which is not live", handle)
		}

		block := h.blocks.Get(handle)
		freeCount, allocCount, err := block.validate(handle, h.chunks)
		if err != nil {
			return err
		}

		if freeCount+allocCount == 0 {
			return errors.Newf("block %d has no chunks", block.id)
		}

		if allocCount == 0 {
			return errors.Newf("block %d holds no allocations but was not returned to the OS", block.id)
		}

		indexed, found := h.findBlock(block.base)
		if !found || indexed != handle {
			return errors.Newf("block %d at %#x is missing from the block index", block.id, block.base)
		}

		blockCount++
		totalFree += freeCount
		totalAllocated += allocCount
		handle = block.next
	}

	if blockCount != h.blocks.Len() {
		return errors.Newf("block list holds %d blocks, but %d block records are live", blockCount, h.blocks.Len())
	}

	if blockCount != h.blockIndex.Len() {
		return errors.Newf("block list holds %d blocks, but the block index holds %d", blockCount, h.blockIndex.Len())
	}

	if totalFree+totalAllocated != h.chunks.Len() {
		return errors.Newf("blocks hold %d chunks, but %d chunk records are live", totalFree+totalAllocated, h.chunks.Len())
	}

	err := h.validateFreeList(totalFree)
	if err != nil {
		return err
	}

	return h.validateAllocated(totalAllocated)
}

// validateFreeList confirms that the free list holds every free chunk exactly once, in ascending
// address order, and that no two of them could have been merged
func (h *Heap) validateFreeList(expectedCount int) error {
	count := 0
	var prev *metadata.Chunk

	for handle := h.freeHead; handle.Valid(); {
		if count > expectedCount {
			return errors.Newf("free list holds more than the %d free chunks found in blocks", expectedCount)
		}

		if !h.chunks.IsLive(handle) {
			return errors.Newf("free list links to chunk %d, which is not live", handle)
		}

		chunk := h.chunks.Get(handle)
		if !chunk.Free {
			return errors.Newf("free list holds chunk %d, which is allocated", handle)
		}

		if prev != nil {
			if prev.Addr >= chunk.Addr {
				return errors.Newf("free list is out of order: %#x is followed by %#x", prev.Addr, chunk.Addr)
			}

			if prev.Precedes(chunk) {
				return errors.Newf("free chunks at %#x and %#x are adjacent but were not merged", prev.Addr, chunk.Addr)
			}
		}

		count++
		prev = chunk
		handle = chunk.NextFree
	}

	if count != expectedCount {
		return errors.Newf("free list holds %d chunks, but blocks hold %d free chunks", count, expectedCount)
	}

	return nil
}

// validateAllocated confirms that the live allocation map points exactly at the allocated chunks
func (h *Heap) validateAllocated(expectedCount int) error {
	if h.allocated.Count() != expectedCount {
		return errors.Newf("%d allocations are registered, but blocks hold %d allocated chunks", h.allocated.Count(), expectedCount)
	}

	var err error
	h.allocated.Iter(func(addr uintptr, handle metadata.Handle) bool {
		if !h.chunks.IsLive(handle) {
			err = errors.Newf("allocation at %#x refers to chunk %d, which is not live", addr, handle)
			return true
		}

		chunk := h.chunks.Get(handle)
		if chunk.Free || chunk.PayloadAddr() != addr {
			err = errors.Newf("allocation at %#x refers to chunk %d, which is free or has payload %#x", addr, handle, chunk.PayloadAddr())
			return true
		}

		if !h.blocks.Get(chunk.Block).contains(addr) {
			err = errors.Newf("allocation at %#x lies outside its block", addr)
			return true
		}

		return false
	})

	return err
}
