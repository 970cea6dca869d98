package metadata

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// ChunkOverhead is the number of bytes every chunk spends on its in-band header. It is also
	// the minimum leftover a split must produce, since a smaller remainder could not hold a header
	// plus any payload.
	ChunkOverhead = 16

	chunkMagic uint32 = 0x6b6e6863
)

// Chunk is the accounting record for one contiguous byte range inside a block. The range starts
// with a ChunkOverhead-byte header at Addr and is followed by Size bytes of payload.
type Chunk struct {
	Addr uintptr
	Size int
	Free bool

	// NextFree links the chunk into the heap's address-ordered free list. It is NoHandle while
	// the chunk is allocated or when it is the last free chunk.
	NextFree Handle
	// NextPhysical is the chunk immediately after this one in the same block
	NextPhysical Handle
	// Block is the handle of the block that owns this chunk
	Block Handle
}

// Span returns the number of block bytes the chunk occupies, header included
func (c *Chunk) Span() int {
	return ChunkOverhead + c.Size
}

// End returns the first address past the chunk's range
func (c *Chunk) End() uintptr {
	return c.Addr + uintptr(c.Span())
}

// PayloadAddr returns the address handed to callers for this chunk
func (c *Chunk) PayloadAddr() uintptr {
	return c.Addr + ChunkOverhead
}

// Precedes returns true if next begins exactly where this chunk ends and both chunks belong to
// the same block. Two separate mappings may sit next to each other in the address space, so
// address adjacency alone is not enough to merge.
func (c *Chunk) Precedes(next *Chunk) bool {
	return c.Block == next.Block && c.End() == next.Addr
}

// WriteHeader records the chunk's handle and size in the first ChunkOverhead bytes of dst
func WriteHeader(dst []byte, handle Handle, size int) {
	_ = dst[ChunkOverhead-1]
	binary.LittleEndian.PutUint32(dst[0:4], chunkMagic)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(handle))
	binary.LittleEndian.PutUint64(dst[8:16], uint64(size))
}

// ReadHeader decodes a header written by WriteHeader. It returns an error if the header magic
// is missing, which means the bytes were overwritten by something other than the heap.
func ReadHeader(src []byte) (Handle, int, error) {
	if len(src) < ChunkOverhead {
		return NoHandle, 0, errors.Errorf("chunk header needs %d bytes but only %d were available", ChunkOverhead, len(src))
	}

	magic := binary.LittleEndian.Uint32(src[0:4])
	if magic != chunkMagic {
		return NoHandle, 0, errors.Errorf("chunk header magic %#x does not match the expected %#x", magic, chunkMagic)
	}

	handle := Handle(binary.LittleEndian.Uint32(src[4:8]))
	size := int(binary.LittleEndian.Uint64(src[8:16]))
	return handle, size, nil
}
