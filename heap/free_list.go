package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/tinymalloc/tmalloc/memutils/metadata"
)

// insertFree marks a chunk free and links it into the free list at its address-ordered position
func (h *Heap) insertFree(handle metadata.Handle) {
	chunk := h.chunks.Get(handle)

	prev := metadata.NoHandle
	cur := h.freeHead
	for cur.Valid() {
		curChunk := h.chunks.Get(cur)
		if curChunk.Addr == chunk.Addr {
			panic(errors.AssertionFailedf("chunk %d at %#x is already on the free list", handle, chunk.Addr))
		}
		if curChunk.Addr > chunk.Addr {
			break
		}

		prev = cur
		cur = curChunk.NextFree
	}

	chunk.Free = true
	chunk.NextFree = cur
	h.setNextFree(prev, handle)
}

// setNextFree points prev at next, or makes next the list head if prev is NoHandle
func (h *Heap) setNextFree(prev, next metadata.Handle) {
	if prev.Valid() {
		h.chunks.Get(prev).NextFree = next
	} else {
		h.freeHead = next
	}
}

// unlinkFree removes a chunk from the free list wherever it is
func (h *Heap) unlinkFree(handle metadata.Handle) {
	prev := metadata.NoHandle
	for cur := h.freeHead; cur.Valid(); {
		chunk := h.chunks.Get(cur)
		if cur == handle {
			h.setNextFree(prev, chunk.NextFree)
			chunk.NextFree = metadata.NoHandle
			return
		}

		prev = cur
		cur = chunk.NextFree
	}

	panic(errors.AssertionFailedf("chunk %d was expected on the free list but was not found", handle))
}

// findFirstFit returns the lowest-addressed free chunk with at least size bytes of payload,
// along with its predecessor on the free list
func (h *Heap) findFirstFit(size int) (handle metadata.Handle, prev metadata.Handle) {
	prev = metadata.NoHandle
	for handle = h.freeHead; handle.Valid(); {
		chunk := h.chunks.Get(handle)
		if chunk.Size >= size {
			return handle, prev
		}

		prev = handle
		handle = chunk.NextFree
	}

	return metadata.NoHandle, prev
}

// allocateFromFreeList takes the first free chunk that fits, splitting off the excess when it
// is large enough to form a chunk of its own. size must already be aligned.
func (h *Heap) allocateFromFreeList(size int) (metadata.Handle, bool) {
	handle, prev := h.findFirstFit(size)
	if !handle.Valid() {
		return metadata.NoHandle, false
	}

	replacement := h.chunks.Get(handle).NextFree
	if h.chunks.Get(handle).Size > size+metadata.ChunkOverhead {
		// The remainder takes the chunk's place in the list, which keeps it sorted
		replacement = h.split(handle, size)
	}
	h.setNextFree(prev, replacement)

	chunk := h.chunks.Get(handle)
	chunk.Free = false
	chunk.NextFree = metadata.NoHandle
	h.allocated.Put(chunk.PayloadAddr(), handle)

	return handle, true
}

// split shrinks a free chunk to size bytes and creates a free chunk from the rest of its range.
// The remainder inherits the chunk's free list successor but is not yet linked from anywhere.
func (h *Heap) split(handle metadata.Handle, size int) metadata.Handle {
	original := *h.chunks.Get(handle)
	remainderSize := original.Size - size - metadata.ChunkOverhead
	if remainderSize <= 0 {
		panic(errors.AssertionFailedf("splitting chunk %d of %d bytes at %d would leave %d bytes", handle, original.Size, size, remainderSize))
	}

	remainderHandle, remainder := h.chunks.Alloc()
	remainder.Addr = original.Addr + uintptr(metadata.ChunkOverhead+size)
	remainder.Size = remainderSize
	remainder.Free = true
	remainder.NextFree = original.NextFree
	remainder.NextPhysical = original.NextPhysical
	remainder.Block = original.Block

	block := h.blocks.Get(original.Block)
	block.writeHeader(remainderHandle, remainder)

	// Alloc may have moved the table's storage
	chunk := h.chunks.Get(handle)
	chunk.Size = size
	chunk.NextPhysical = remainderHandle
	block.writeHeader(handle, chunk)

	return remainderHandle
}

// coalesce makes one pass over the free list, merging each chunk with any free chunks that
// immediately follow it in the same block. It returns the number of merges performed.
func (h *Heap) coalesce() int {
	merged := 0

	for cur := h.freeHead; cur.Valid(); {
		chunk := h.chunks.Get(cur)
		next := chunk.NextFree
		if !next.Valid() {
			break
		}

		nextChunk := h.chunks.Get(next)
		if !chunk.Precedes(nextChunk) {
			cur = next
			continue
		}

		if chunk.NextPhysical != next {
			panic(errors.AssertionFailedf("free chunks %d and %d are adjacent but not physically linked", cur, next))
		}

		chunk.Size += nextChunk.Span()
		chunk.NextPhysical = nextChunk.NextPhysical
		chunk.NextFree = nextChunk.NextFree
		h.chunks.Release(next)
		h.blocks.Get(chunk.Block).writeHeader(cur, chunk)

		merged++
	}

	return merged
}
