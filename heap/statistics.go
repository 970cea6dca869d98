package heap

import (
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/tinymalloc/tmalloc/memutils"
	"github.com/tinymalloc/tmalloc/memutils/metadata"
)

type chunkType int

const (
	chunkTypeFree chunkType = iota
	chunkTypeAllocated
)

var chunkTypeMapping = map[chunkType]string{
	chunkTypeFree:      "FREE",
	chunkTypeAllocated: "ALLOCATED",
}

func (t chunkType) String() string {
	return chunkTypeMapping[t]
}

func typeOf(chunk *metadata.Chunk) chunkType {
	if chunk.Free {
		return chunkTypeFree
	}
	return chunkTypeAllocated
}

// BlockCount returns the number of blocks currently mapped
func (h *Heap) BlockCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.blocks.Len()
}

// FreeListBytes returns the total payload size of every chunk on the free list
func (h *Heap) FreeListBytes() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	total := 0
	for handle := h.freeHead; handle.Valid(); {
		chunk := h.chunks.Get(handle)
		total += chunk.Size
		handle = chunk.NextFree
	}

	return total
}

// AddStatistics adds the heap's block and allocation totals to stats. Allocation sizes are
// reported after alignment.
func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.visitBlocks(func(block *memoryBlock) {
		stats.BlockCount++
		stats.BlockBytes += block.size

		h.visitChunks(block, func(chunk *metadata.Chunk) {
			if !chunk.Free {
				stats.AllocationCount++
				stats.AllocationBytes += chunk.Size
			}
		})
	})
}

// AddDetailedStatistics adds the heap's totals along with the shape of its free space to stats
func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.addDetailedStatistics(stats)
}

func (h *Heap) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	h.visitBlocks(func(block *memoryBlock) {
		stats.BlockCount++
		stats.BlockBytes += block.size

		h.visitChunks(block, func(chunk *metadata.Chunk) {
			if chunk.Free {
				stats.AddUnusedRange(chunk.Size)
			} else {
				stats.AddAllocation(chunk.Size)
			}
		})
	})
}

// PrintDetailedMap writes a JSON object describing every block and chunk in the heap, keyed by
// block id
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.printDetailedMap(writer)
}

// BuildStatsString returns a JSON document with the heap's statistics. If detailed is true, it
// also includes the detailed map of every block.
func (h *Heap) BuildStatsString(detailed bool) string {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	h.addDetailedStatistics(&stats)

	writer := jwriter.NewWriter()
	root := writer.Object()

	general := root.Name("General").Object()
	general.Name("PageSize").Int(h.memory.PageSize())
	general.Name("PreferredBlockSize").Int(h.preferredBlockSize)
	general.Name("MinAllocationAlignment").Int(int(h.minAllocationAlignment))
	general.Name("SizeLimit").Int(h.memory.SizeLimit())
	general.Name("ChunkOverhead").Int(metadata.ChunkOverhead)
	general.End()

	total := root.Name("Total").Object()
	printDetailedStatistics(&total, &stats)
	total.End()

	if detailed {
		root.Name("Blocks")
		h.printDetailedMap(&writer)
	}

	root.End()

	return string(writer.Bytes())
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	json.Name("UnusedRangeBytes").Int(stats.UnusedRangeBytes)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}

	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

func (h *Heap) printDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	h.visitBlocks(func(block *memoryBlock) {
		blockObj := objState.Name(strconv.Itoa(block.id)).Object()
		defer blockObj.End()

		unusedBytes, allocationCount, unusedRangeCount := 0, 0, 0
		h.visitChunks(block, func(chunk *metadata.Chunk) {
			if chunk.Free {
				unusedBytes += chunk.Size
				unusedRangeCount++
			} else {
				allocationCount++
			}
		})

		blockObj.Name("TotalBytes").Int(block.size)
		blockObj.Name("UnusedBytes").Int(unusedBytes)
		blockObj.Name("Allocations").Int(allocationCount)
		blockObj.Name("UnusedRanges").Int(unusedRangeCount)

		chunkArray := blockObj.Name("Chunks").Array()
		h.visitChunks(block, func(chunk *metadata.Chunk) {
			obj := chunkArray.Object()
			defer obj.End()

			obj.Name("Offset").Int(block.offset(chunk.Addr))
			obj.Name("Type").String(typeOf(chunk).String())
			obj.Name("Size").Int(chunk.Size)
		})
		chunkArray.End()
	})
}

// visitBlocks calls visit for every block in handle order
func (h *Heap) visitBlocks(visit func(block *memoryBlock)) {
	_ = h.blocks.Visit(func(handle metadata.Handle, block *memoryBlock) error {
		visit(block)
		return nil
	})
}

// visitChunks calls visit for every chunk of block in address order
func (h *Heap) visitChunks(block *memoryBlock, visit func(chunk *metadata.Chunk)) {
	for handle := block.firstChunk; handle.Valid(); {
		chunk := h.chunks.Get(handle)
		visit(chunk)
		handle = chunk.NextPhysical
	}
}
