package heap

import (
	"context"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/tinymalloc/tmalloc/internal/osmem"
	"github.com/tinymalloc/tmalloc/memutils"
	"github.com/tinymalloc/tmalloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Heap hands out byte ranges carved from blocks of memory mapped from the OS. Free chunks are
// kept on a single address-ordered list that is searched first-fit; neighbouring free chunks are
// merged on every free, and a block is unmapped as soon as nothing in it is live.
//
// All methods are safe for concurrent use. A single mutex guards the whole heap.
type Heap struct {
	logger *slog.Logger
	memory *osmem.Memory

	preferredBlockSize     int
	minAllocationAlignment uint
	maxAllocationSize      int

	mutex     sync.Mutex
	destroyed bool

	chunks    *metadata.Table[metadata.Chunk]
	blocks    *metadata.Table[memoryBlock]
	blockHead metadata.Handle
	freeHead  metadata.Handle

	// Payload address of every live allocation, mapped to its chunk
	allocated  *swiss.Map[uintptr, metadata.Handle]
	blockIndex *btree.BTreeG[blockRange]

	nextBlockId int
}

// Allocate returns a pointer to at least size bytes of memory that stays valid until it is passed
// to Free. The memory is not zeroed.
func (h *Heap) Allocate(size int) (unsafe.Pointer, error) {
	payload, err := h.AllocateBytes(size)
	if err != nil {
		return nil, err
	}

	return unsafe.Pointer(unsafe.SliceData(payload)), nil
}

// AllocateBytes behaves like Allocate but returns the memory as a slice whose length and
// capacity are both size.
func (h *Heap) AllocateBytes(size int) ([]byte, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	handle, err := h.allocate(size)
	if err != nil {
		return nil, err
	}

	payload := h.payload(handle, size)
	memutils.DebugValidate((*lockedHeap)(h))

	return payload, nil
}

// Free returns memory obtained from Allocate to the heap. Passing a pointer that is not a live
// allocation of this heap returns an error wrapping ErrInvalidPointer and leaves the heap
// untouched; ErrDoubleFree is returned when the pointer was already freed.
func (h *Heap) Free(ptr unsafe.Pointer) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	err := h.free(uintptr(ptr))
	memutils.DebugValidate((*lockedHeap)(h))

	return err
}

// FreeBytes frees a slice returned from AllocateBytes
func (h *Heap) FreeBytes(payload []byte) error {
	return h.Free(unsafe.Pointer(unsafe.SliceData(payload)))
}

// Validate checks every invariant the heap maintains and returns an error describing the first
// violation found
func (h *Heap) Validate() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.validate()
}

// Destroy unmaps every block. If any allocation is still live it is logged, the blocks are
// unmapped anyway and an error is returned. The heap cannot be used afterwards.
func (h *Heap) Destroy() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.destroyed {
		return ErrHeapDestroyed
	}
	h.destroyed = true

	var err error
	liveCount := h.allocated.Count()
	if liveCount > 0 {
		h.allocated.Iter(func(addr uintptr, handle metadata.Handle) bool {
			chunk := h.chunks.Get(handle)
			h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.Int("block.id", h.blocks.Get(chunk.Block).id),
				slog.Any("address", addr),
				slog.Int("size", chunk.Size),
			)
			return false
		})
		err = errors.Newf("heap destroyed with %d allocations still live", liveCount)
	}

	for handle := h.blockHead; handle.Valid(); {
		block := h.blocks.Get(handle)
		next := block.next
		region := block.region

		h.blockIndex.Delete(blockRange{base: block.base})
		h.blocks.Release(handle)

		unmapErr := h.memory.FreeRegion(region)
		if unmapErr != nil {
			err = errors.CombineErrors(err, errors.Wrap(unmapErr, "failed to unmap block"))
		}
		handle = next
	}

	h.blockHead = metadata.NoHandle
	h.freeHead = metadata.NoHandle
	h.chunks = metadata.NewTable[metadata.Chunk](0)
	h.allocated = swiss.NewMap[uintptr, metadata.Handle](initialChunkCapacity)

	return err
}

func (h *Heap) allocate(size int) (metadata.Handle, error) {
	if h.destroyed {
		return metadata.NoHandle, ErrHeapDestroyed
	}

	if size == 0 {
		return metadata.NoHandle, ErrZeroSize
	}

	if size < 0 || size > h.maxAllocationSize {
		return metadata.NoHandle, errors.Wrapf(ErrSizeOverflow, "requested %d bytes, but the largest supported allocation is %d", size, h.maxAllocationSize)
	}

	size = memutils.AlignUp(size, h.minAllocationAlignment)

	handle, found := h.allocateFromFreeList(size)
	if found {
		return handle, nil
	}

	if h.coalesce() > 0 {
		handle, found = h.allocateFromFreeList(size)
		if found {
			return handle, nil
		}
	}

	err := h.grow(size)
	if err != nil {
		return metadata.NoHandle, err
	}

	handle, found = h.allocateFromFreeList(size)
	if !found {
		panic(errors.AssertionFailedf("no chunk of %d bytes was available immediately after growing the heap", size))
	}

	return handle, nil
}

// grow maps a block large enough to hold a chunk of size bytes and adds its single chunk to the
// free list
func (h *Heap) grow(size int) error {
	blockSize := memutils.AlignUp(max(size+metadata.ChunkOverhead, h.preferredBlockSize), uint(h.memory.PageSize()))

	region, err := h.memory.AllocateRegion(blockSize)
	if err != nil {
		return &outOfMemoryError{cause: err, blockSize: blockSize, size: size}
	}

	blockHandle, block := h.blocks.Alloc()
	block.id = h.nextBlockId
	h.nextBlockId++

	chunkHandle := block.init(h.chunks, blockHandle, region)
	block.next = h.blockHead
	h.blockHead = blockHandle

	h.blockIndex.ReplaceOrInsert(blockRange{base: block.base, size: block.size, handle: blockHandle})
	h.insertFree(chunkHandle)

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", block.id),
		slog.Int("size", blockSize),
	)

	return nil
}

func (h *Heap) free(addr uintptr) error {
	if h.destroyed {
		return ErrHeapDestroyed
	}

	handle, live := h.allocated.Get(addr)
	if !live {
		return h.classifyBadPointer(addr)
	}

	h.allocated.Delete(addr)
	h.insertFree(handle)
	h.coalesce()

	return h.reclaimFreeBlocks()
}

// classifyBadPointer explains why addr is not a live allocation
func (h *Heap) classifyBadPointer(addr uintptr) error {
	if addr == 0 {
		return errors.Wrap(ErrInvalidPointer, "nil pointer")
	}

	blockHandle, inBlock := h.findBlock(addr)
	if !inBlock {
		return errors.Wrapf(ErrInvalidPointer, "%#x was not allocated by this heap", addr)
	}

	block := h.blocks.Get(blockHandle)
	for handle := block.firstChunk; handle.Valid(); {
		chunk := h.chunks.Get(handle)
		if chunk.PayloadAddr() == addr && chunk.Free {
			return errors.Wrapf(ErrDoubleFree, "%#x in block %d", addr, block.id)
		}
		handle = chunk.NextPhysical
	}

	return errors.Wrapf(ErrInvalidPointer, "%#x does not point to the start of an allocation in block %d", addr, block.id)
}

// reclaimFreeBlocks unmaps every block that contains nothing but free space
func (h *Heap) reclaimFreeBlocks() error {
	var err error

	prev := metadata.NoHandle
	for handle := h.blockHead; handle.Valid(); {
		block := h.blocks.Get(handle)
		next := block.next

		if !block.isFullyFree(h.chunks) {
			prev = handle
			handle = next
			continue
		}

		if prev.Valid() {
			h.blocks.Get(prev).next = next
		} else {
			h.blockHead = next
		}

		err = errors.CombineErrors(err, h.releaseBlock(handle))
		handle = next
	}

	return err
}

// releaseBlock forgets a fully free block that has already been unlinked from the block list and
// returns its region to the OS
func (h *Heap) releaseBlock(handle metadata.Handle) error {
	block := h.blocks.Get(handle)
	if !block.isFullyFree(h.chunks) {
		block.logUnreleasedChunks(h.logger, h.chunks)
		panic(errors.AssertionFailedf("attempted to release block %d while it still holds allocations", block.id))
	}

	for chunkHandle := block.firstChunk; chunkHandle.Valid(); {
		next := h.chunks.Get(chunkHandle).NextPhysical
		h.unlinkFree(chunkHandle)
		h.chunks.Release(chunkHandle)
		chunkHandle = next
	}

	id, region := block.id, block.region
	h.blockIndex.Delete(blockRange{base: block.base})
	h.blocks.Release(handle)

	err := h.memory.FreeRegion(region)
	if err != nil {
		h.logger.LogAttrs(context.Background(), slog.LevelError, "failed to unmap empty block",
			slog.Int("block.id", id),
			slog.Int("size", len(region)),
			slog.String("error", err.Error()),
		)
		return errors.Wrapf(err, "failed to unmap block %d", id)
	}

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block",
		slog.Int("block.id", id),
		slog.Int("size", len(region)),
	)

	return nil
}

// payload returns the first size bytes of an allocated chunk's payload
func (h *Heap) payload(handle metadata.Handle, size int) []byte {
	chunk := h.chunks.Get(handle)
	block := h.blocks.Get(chunk.Block)
	offset := block.offset(chunk.PayloadAddr())

	return block.region[offset : offset+size : offset+size]
}

// lockedHeap validates a heap whose mutex the caller already holds
type lockedHeap Heap

func (h *lockedHeap) Validate() error {
	return (*Heap)(h).validate()
}
