package heap

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/tinymalloc/tmalloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

// memoryBlock is a single region mapped from the OS. Its chunks tile the region exactly, starting
// at base and linked in address order through NextPhysical.
type memoryBlock struct {
	id     int
	region []byte
	base   uintptr
	size   int

	firstChunk metadata.Handle
	next       metadata.Handle
}

// init takes ownership of region and creates one free chunk covering all of it. The chunk is not
// yet on the heap's free list.
func (b *memoryBlock) init(chunks *metadata.Table[metadata.Chunk], handle metadata.Handle, region []byte) metadata.Handle {
	b.region = region
	b.base = regionBase(region)
	b.size = len(region)
	b.next = metadata.NoHandle

	chunkHandle, chunk := chunks.Alloc()
	chunk.Addr = b.base
	chunk.Size = b.size - metadata.ChunkOverhead
	chunk.NextFree = metadata.NoHandle
	chunk.NextPhysical = metadata.NoHandle
	chunk.Block = handle

	b.firstChunk = chunkHandle
	b.writeHeader(chunkHandle, chunk)

	return chunkHandle
}

// offset converts an address inside the block into an index into region
func (b *memoryBlock) offset(addr uintptr) int {
	return int(addr - b.base)
}

func (b *memoryBlock) contains(addr uintptr) bool {
	return addr >= b.base && addr < b.base+uintptr(b.size)
}

func (b *memoryBlock) writeHeader(handle metadata.Handle, chunk *metadata.Chunk) {
	metadata.WriteHeader(b.region[b.offset(chunk.Addr):], handle, chunk.Size)
}

func (b *memoryBlock) isFullyFree(chunks *metadata.Table[metadata.Chunk]) bool {
	for handle := b.firstChunk; handle.Valid(); {
		chunk := chunks.Get(handle)
		if !chunk.Free {
			return false
		}
		handle = chunk.NextPhysical
	}

	return true
}

func (b *memoryBlock) logUnreleasedChunks(logger *slog.Logger, chunks *metadata.Table[metadata.Chunk]) {
	for handle := b.firstChunk; handle.Valid(); {
		chunk := chunks.Get(handle)
		if !chunk.Free {
			logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.Int("block.id", b.id),
				slog.Int("offset", b.offset(chunk.Addr)),
				slog.Int("size", chunk.Size),
			)
		}
		handle = chunk.NextPhysical
	}
}

// validate walks the chunk chain and confirms that the chunks tile the region with no gaps or
// overlaps, that each one points back at this block and that every in-band header matches its
// record. It returns the number of free and allocated chunks found.
func (b *memoryBlock) validate(handle metadata.Handle, chunks *metadata.Table[metadata.Chunk]) (freeCount, allocCount int, err error) {
	if b.size != len(b.region) || b.base != regionBase(b.region) {
		return 0, 0, errors.Newf("block %d describes %d bytes at %#x but owns a region of %d bytes at %#x", b.id, b.size, b.base, len(b.region), regionBase(b.region))
	}

	expected := b.base
	total := 0
	for chunkHandle := b.firstChunk; chunkHandle.Valid(); {
		if !chunks.IsLive(chunkHandle) {
			return 0, 0, errors.Newf("block %d links to chunk %d, which is not live", b.id, chunkHandle)
		}

		chunk := chunks.Get(chunkHandle)
		if chunk.Block != handle {
			return 0, 0, errors.Newf("chunk %d in block %d claims to belong to block handle %d", chunkHandle, b.id, chunk.Block)
		}

		if chunk.Addr != expected {
			return 0, 0, errors.Newf("chunk %d in block %d starts at offset %d, but the previous chunk ended at offset %d", chunkHandle, b.id, b.offset(chunk.Addr), b.offset(expected))
		}

		if chunk.Size <= 0 {
			return 0, 0, errors.Newf("chunk %d in block %d has a non-positive size %d", chunkHandle, b.id, chunk.Size)
		}

		total += chunk.Span()
		if total > b.size {
			return 0, 0, errors.Newf("chunks in block %d run past the end of the block", b.id)
		}

		headerHandle, headerSize, err := metadata.ReadHeader(b.region[b.offset(chunk.Addr):])
		if err != nil {
			return 0, 0, errors.Wrapf(err, "chunk %d in block %d", chunkHandle, b.id)
		}

		if headerHandle != chunkHandle || headerSize != chunk.Size {
			return 0, 0, errors.Newf("chunk %d in block %d has header {handle %d, size %d} but record size %d", chunkHandle, b.id, headerHandle, headerSize, chunk.Size)
		}

		if chunk.Free {
			freeCount++
		} else {
			allocCount++
			if chunk.NextFree.Valid() {
				return 0, 0, errors.Newf("allocated chunk %d in block %d is linked into the free list", chunkHandle, b.id)
			}
		}

		expected = chunk.End()
		chunkHandle = chunk.NextPhysical
	}

	if total != b.size {
		return 0, 0, errors.Newf("chunks in block %d account for %d bytes, but the block is %d bytes", b.id, total, b.size)
	}

	return freeCount, allocCount, nil
}
