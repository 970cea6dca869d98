package heap

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/tinymalloc/tmalloc/internal/osmem"
	"github.com/tinymalloc/tmalloc/internal/osmem/mocks"
	"github.com/tinymalloc/tmalloc/memutils"
	"github.com/tinymalloc/tmalloc/memutils/metadata"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

var pageSize = osmem.System().PageSize()

func newTestHeap(t require.TestingT, options CreateOptions) *Heap {
	heap, err := New(nil, options)
	require.NoError(t, err)
	return heap
}

func destroyTestHeap(t require.TestingT, heap *Heap) {
	require.NoError(t, heap.Validate())
	require.NoError(t, heap.Destroy())
}

func delegatingMapper(ctrl *gomock.Controller) *mocks.MockMapper {
	mapper := mocks.NewMockMapper(ctrl)
	mapper.EXPECT().PageSize().Return(pageSize).AnyTimes()
	return mapper
}

func freeChunks(heap *Heap) []metadata.Chunk {
	var chunks []metadata.Chunk
	for handle := heap.freeHead; handle.Valid(); {
		chunk := heap.chunks.Get(handle)
		chunks = append(chunks, *chunk)
		handle = chunk.NextFree
	}
	return chunks
}

func chunkFor(t *testing.T, heap *Heap, ptr unsafe.Pointer) *metadata.Chunk {
	handle, ok := heap.allocated.Get(uintptr(ptr))
	require.True(t, ok)
	return heap.chunks.Get(handle)
}

func TestNewDefaults(t *testing.T) {
	heap := newTestHeap(t, CreateOptions{})
	defer destroyTestHeap(t, heap)

	require.Equal(t, 16*pageSize, heap.PreferredBlockSize())
	require.Equal(t, uint(8), heap.MinAllocationAlignment())
	require.Equal(t, pageSize, heap.PageSize())
	require.Equal(t, 0, heap.BlockCount())
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, CreateOptions{MinAllocationAlignment: 12})
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = New(nil, CreateOptions{MinAllocationAlignment: 4})
	require.Error(t, err)

	_, err = New(nil, CreateOptions{PreferredBlockSize: -1})
	require.Error(t, err)

	_, err = New(nil, CreateOptions{SizeLimit: -1})
	require.Error(t, err)

	heap := newTestHeap(t, CreateOptions{PreferredBlockSize: pageSize + 1})
	require.Equal(t, 2*pageSize, heap.PreferredBlockSize())
}

func TestAllocateRejectsBadSizes(t *testing.T) {
	heap := newTestHeap(t, CreateOptions{})
	defer destroyTestHeap(t, heap)

	_, err := heap.Allocate(0)
	require.ErrorIs(t, err, ErrZeroSize)

	_, err = heap.Allocate(-1)
	require.ErrorIs(t, err, ErrSizeOverflow)

	_, err = heap.Allocate(heap.MaxAllocationSize() + 1)
	require.ErrorIs(t, err, ErrSizeOverflow)

	require.Equal(t, 0, heap.BlockCount())
}

func TestAllocateSplitsChunk(t *testing.T) {
	heap := newTestHeap(t, CreateOptions{PreferredBlockSize: pageSize})
	defer destroyTestHeap(t, heap)

	first, err := heap.Allocate(1000)
	require.NoError(t, err)
	guard, err := heap.Allocate(8)
	require.NoError(t, err)
	require.NoError(t, heap.Free(first))

	freeList := freeChunks(heap)
	require.Len(t, freeList, 2)
	require.Equal(t, 1000, freeList[0].Size)

	// 100 rounds up to 104, leaving 1000 - 104 - 16 bytes behind
	second, err := heap.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, first, second)

	chunk := chunkFor(t, heap, second)
	require.Equal(t, 104, chunk.Size)

	freeList = freeChunks(heap)
	require.Len(t, freeList, 2)
	require.Equal(t, chunk.End(), freeList[0].Addr)
	require.Equal(t, 880, freeList[0].Size)
	require.True(t, freeList[0].Free)
	require.NoError(t, heap.Validate())

	require.NoError(t, heap.Free(second))
	require.NoError(t, heap.Free(guard))
}

func TestAllocateKeepsSmallRemainder(t *testing.T) {
	heap := newTestHeap(t, CreateOptions{PreferredBlockSize: pageSize})
	defer destroyTestHeap(t, heap)

	first, err := heap.Allocate(104)
	require.NoError(t, err)
	guard, err := heap.Allocate(8)
	require.NoError(t, err)
	require.NoError(t, heap.Free(first))

	// A 104-byte chunk cannot hold 96 bytes plus a second header
	second, err := heap.Allocate(96)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 104, chunkFor(t, heap, second).Size)
	require.Len(t, freeChunks(heap), 1)

	require.NoError(t, heap.Free(second))
	require.NoError(t, heap.Free(guard))
}

func TestAllocationsDoNotOverlap(t *testing.T) {
	heap := newTestHeap(t, CreateOptions{})
	defer destroyTestHeap(t, heap)

	type allocation struct {
		payload []byte
		pattern byte
	}

	rng := rand.New(rand.NewSource(1))
	var live []allocation

	allocate := func() {
		size := rng.Intn(5000) + 1
		payload, err := heap.AllocateBytes(size)
		require.NoError(t, err)
		require.Len(t, payload, size)

		pattern := byte(rng.Intn(255) + 1)
		for i := range payload {
			payload[i] = pattern
		}
		live = append(live, allocation{payload: payload, pattern: pattern})
	}

	for round := 0; round < 4; round++ {
		for i := 0; i < 300; i++ {
			allocate()
		}

		rng.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
		half := len(live) / 2
		for _, alloc := range live[:half] {
			require.NoError(t, heap.FreeBytes(alloc.payload))
		}
		live = live[half:]
		require.NoError(t, heap.Validate())

		for _, alloc := range live {
			for _, b := range alloc.payload {
				require.Equal(t, alloc.pattern, b)
			}
		}
	}

	sort.Slice(live, func(i, j int) bool {
		return uintptr(unsafe.Pointer(&live[i].payload[0])) < uintptr(unsafe.Pointer(&live[j].payload[0]))
	})
	for i := 1; i < len(live); i++ {
		prevEnd := uintptr(unsafe.Pointer(&live[i-1].payload[0])) + uintptr(len(live[i-1].payload))
		require.LessOrEqual(t, prevEnd, uintptr(unsafe.Pointer(&live[i].payload[0])))
	}

	for _, alloc := range live {
		require.NoError(t, heap.FreeBytes(alloc.payload))
	}
	require.Equal(t, 0, heap.BlockCount())
}

func TestChunksAccountForWholeBlock(t *testing.T) {
	heap := newTestHeap(t, CreateOptions{})
	defer destroyTestHeap(t, heap)

	var ptrs []unsafe.Pointer
	for size := 1; size < 20000; size += 977 {
		ptr, err := heap.Allocate(size)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}

	for handle := heap.blockHead; handle.Valid(); {
		block := heap.blocks.Get(handle)
		total := 0
		heap.visitChunks(block, func(chunk *metadata.Chunk) {
			total += chunk.Span()
		})
		require.Equal(t, block.size, total)
		handle = block.next
	}

	for i := 0; i < len(ptrs); i += 2 {
		require.NoError(t, heap.Free(ptrs[i]))
	}
	require.NoError(t, heap.Validate())

	for i := 1; i < len(ptrs); i += 2 {
		require.NoError(t, heap.Free(ptrs[i]))
	}
}

func TestFreeCoalescesNeighbours(t *testing.T) {
	heap := newTestHeap(t, CreateOptions{PreferredBlockSize: pageSize})
	defer destroyTestHeap(t, heap)

	a, err := heap.Allocate(64)
	require.NoError(t, err)
	b, err := heap.Allocate(128)
	require.NoError(t, err)
	c, err := heap.Allocate(256)
	require.NoError(t, err)
	guard, err := heap.Allocate(8)
	require.NoError(t, err)

	require.NoError(t, heap.Free(a))
	require.NoError(t, heap.Free(c))
	require.Len(t, freeChunks(heap), 3)

	require.NoError(t, heap.Free(b))
	freeList := freeChunks(heap)
	require.Len(t, freeList, 2)
	require.Equal(t, uintptr(a)-metadata.ChunkOverhead, freeList[0].Addr)
	require.Equal(t, 64+128+256+2*metadata.ChunkOverhead, freeList[0].Size)
	require.NoError(t, heap.Validate())

	// The merged chunk is reused for an allocation that none of the originals could hold
	merged, err := heap.Allocate(400)
	require.NoError(t, err)
	require.Equal(t, a, merged)

	require.NoError(t, heap.Free(merged))
	require.NoError(t, heap.Free(guard))
}

func TestFreeReclaimsEmptyBlocks(t *testing.T) {
	var mapped, unmapped []int
	heap := newTestHeap(t, CreateOptions{
		PreferredBlockSize: pageSize,
		MemoryCallbacks: &MemoryCallbackOptions{
			Allocate: func(heap *Heap, base uintptr, size int, userData any) {
				require.Equal(t, "reclaim", userData)
				require.NotZero(t, base)
				mapped = append(mapped, size)
			},
			Free: func(heap *Heap, base uintptr, size int, userData any) {
				unmapped = append(unmapped, size)
			},
			UserData: "reclaim",
		},
	})
	defer destroyTestHeap(t, heap)

	small, err := heap.Allocate(32)
	require.NoError(t, err)
	large, err := heap.Allocate(3 * pageSize)
	require.NoError(t, err)
	require.Equal(t, 2, heap.BlockCount())
	require.Equal(t, []int{pageSize, 4 * pageSize}, mapped)

	require.NoError(t, heap.Free(large))
	require.Equal(t, 1, heap.BlockCount())
	require.Equal(t, []int{4 * pageSize}, unmapped)

	require.NoError(t, heap.Free(small))
	require.Equal(t, 0, heap.BlockCount())
	require.Equal(t, 0, heap.FreeListBytes())
	require.Equal(t, 0, heap.chunks.Len())
	require.Equal(t, 0, heap.blockIndex.Len())
	require.Equal(t, []int{4 * pageSize, pageSize}, unmapped)
}

func TestFreeRejectsDoubleFree(t *testing.T) {
	heap := newTestHeap(t, CreateOptions{})
	defer destroyTestHeap(t, heap)

	ptr, err := heap.Allocate(100)
	require.NoError(t, err)
	guard, err := heap.Allocate(100)
	require.NoError(t, err)

	require.NoError(t, heap.Free(ptr))
	freeBytes := heap.FreeListBytes()

	err = heap.Free(ptr)
	require.ErrorIs(t, err, ErrDoubleFree)
	require.ErrorIs(t, err, ErrInvalidPointer)
	require.Equal(t, freeBytes, heap.FreeListBytes())
	require.NoError(t, heap.Validate())

	ptr, err = heap.Allocate(100)
	require.NoError(t, err)
	require.NoError(t, heap.Free(ptr))
	require.NoError(t, heap.Free(guard))

	// Once the block is gone the pointer is simply unknown
	err = heap.Free(guard)
	require.ErrorIs(t, err, ErrInvalidPointer)
	require.False(t, errors.Is(err, ErrDoubleFree))
}

func TestFreeRejectsInvalidPointers(t *testing.T) {
	heap := newTestHeap(t, CreateOptions{})
	defer destroyTestHeap(t, heap)

	ptr, err := heap.Allocate(64)
	require.NoError(t, err)

	require.ErrorIs(t, heap.Free(nil), ErrInvalidPointer)
	require.ErrorIs(t, heap.FreeBytes(nil), ErrInvalidPointer)

	interior := unsafe.Add(ptr, 8)
	err = heap.Free(interior)
	require.ErrorIs(t, err, ErrInvalidPointer)
	require.False(t, errors.Is(err, ErrDoubleFree))

	var local [16]byte
	require.ErrorIs(t, heap.Free(unsafe.Pointer(&local[0])), ErrInvalidPointer)

	require.NoError(t, heap.Validate())
	require.NoError(t, heap.Free(ptr))
}

func TestGrowthUnderPressure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper := delegatingMapper(ctrl)
	system := osmem.System()

	mapper.EXPECT().Map(pageSize).DoAndReturn(system.Map).Times(3)
	mapper.EXPECT().Map(4 * pageSize).DoAndReturn(system.Map).Times(1)
	mapper.EXPECT().Unmap(gomock.Any()).DoAndReturn(system.Unmap).Times(4)

	heap := newTestHeap(t, CreateOptions{PreferredBlockSize: pageSize, Mapper: mapper})
	defer destroyTestHeap(t, heap)

	var ptrs []unsafe.Pointer
	for i := 0; i < 3; i++ {
		ptr, err := heap.Allocate(pageSize - metadata.ChunkOverhead)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
		require.Equal(t, i+1, heap.BlockCount())
		require.Equal(t, 0, heap.FreeListBytes())
	}

	large, err := heap.Allocate(3 * pageSize)
	require.NoError(t, err)
	ptrs = append(ptrs, large)
	require.Equal(t, 4, heap.BlockCount())

	for _, ptr := range ptrs {
		require.NoError(t, heap.Free(ptr))
	}
	require.Equal(t, 0, heap.BlockCount())
}

func TestOutOfMemoryAtSizeLimit(t *testing.T) {
	heap := newTestHeap(t, CreateOptions{PreferredBlockSize: pageSize, SizeLimit: pageSize})
	defer destroyTestHeap(t, heap)

	ptr, err := heap.Allocate(pageSize / 2)
	require.NoError(t, err)

	_, err = heap.Allocate(pageSize)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.ErrorIs(t, err, osmem.ErrSizeLimit)
	require.Equal(t, 1, heap.BlockCount())
	require.NoError(t, heap.Validate())

	// What is left of the block is still usable
	small, err := heap.Allocate(64)
	require.NoError(t, err)

	require.NoError(t, heap.Free(small))
	require.NoError(t, heap.Free(ptr))
}

func TestOutOfMemoryWhenMapFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper := delegatingMapper(ctrl)

	mapErr := errors.New("cannot allocate memory")
	mapper.EXPECT().Map(gomock.Any()).Return(nil, mapErr)

	heap := newTestHeap(t, CreateOptions{Mapper: mapper})
	defer destroyTestHeap(t, heap)

	_, err := heap.Allocate(100)
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.ErrorIs(t, err, mapErr)
	require.Equal(t, 0, heap.BlockCount())
	require.Equal(t, 0, heap.memory.BlockBytes())
}

func TestAdjacentMappingsAreNotMerged(t *testing.T) {
	ctrl := gomock.NewController(t)
	mapper := delegatingMapper(ctrl)
	system := osmem.System()

	backing, err := system.Map(2 * pageSize)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, system.Unmap(backing))
	}()

	low, high := backing[:pageSize:pageSize], backing[pageSize:]
	gomock.InOrder(
		mapper.EXPECT().Map(pageSize).Return(high, nil),
		mapper.EXPECT().Map(pageSize).Return(low, nil),
	)
	mapper.EXPECT().Unmap(gomock.Any()).Return(nil).Times(2)

	heap := newTestHeap(t, CreateOptions{PreferredBlockSize: pageSize, Mapper: mapper})
	defer destroyTestHeap(t, heap)

	// Free the first chunk of the high block while keeping the block alive
	first, err := heap.Allocate(8)
	require.NoError(t, err)
	keep, err := heap.Allocate(8)
	require.NoError(t, err)
	require.NoError(t, heap.Free(first))

	// Too big for anything left in the high block, so the low block is mapped and split so that
	// its free tail ends exactly where the high block begins
	tailSize := 16
	lowAlloc, err := heap.Allocate(pageSize - 2*metadata.ChunkOverhead - tailSize)
	require.NoError(t, err)
	require.Equal(t, 2, heap.BlockCount())

	freeList := freeChunks(heap)
	require.Len(t, freeList, 3)
	require.Equal(t, tailSize, freeList[0].Size)
	require.Equal(t, freeList[0].End(), freeList[1].Addr)
	require.NotEqual(t, freeList[0].Block, freeList[1].Block)

	require.Equal(t, 0, heap.coalesce())
	require.Len(t, freeChunks(heap), 3)
	require.NoError(t, heap.Validate())

	require.NoError(t, heap.Free(lowAlloc))
	require.NoError(t, heap.Free(keep))
	require.Equal(t, 0, heap.BlockCount())
}

func TestRoundTrip(t *testing.T) {
	heap := newTestHeap(t, CreateOptions{})
	defer destroyTestHeap(t, heap)

	for n := 1; n <= 10000; n++ {
		payload, err := heap.AllocateBytes(n)
		require.NoError(t, err)
		require.Len(t, payload, n)
		require.Equal(t, n, cap(payload))

		payload[0] = byte(n)
		payload[n-1] = byte(n)

		require.NoError(t, heap.FreeBytes(payload))
	}

	require.Equal(t, 0, heap.BlockCount())
	require.Equal(t, 0, heap.allocated.Count())
}

func TestConcurrentAllocateAndFree(t *testing.T) {
	heap := newTestHeap(t, CreateOptions{})
	defer destroyTestHeap(t, heap)

	const workers = 8
	var errs [workers]error
	var wg sync.WaitGroup

	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(worker)))
			var live [][]byte
			for i := 0; i < 500; i++ {
				payload, err := heap.AllocateBytes(rng.Intn(2048) + 1)
				if err != nil {
					errs[worker] = err
					return
				}
				payload[0] = byte(worker)
				live = append(live, payload)

				if rng.Intn(3) == 0 {
					victim := rng.Intn(len(live))
					if live[victim][0] != byte(worker) {
						errs[worker] = errors.Newf("worker %d found its memory overwritten", worker)
						return
					}
					err = heap.FreeBytes(live[victim])
					if err != nil {
						errs[worker] = err
						return
					}
					live = append(live[:victim], live[victim+1:]...)
				}
			}

			for _, payload := range live {
				err := heap.FreeBytes(payload)
				if err != nil {
					errs[worker] = err
					return
				}
			}
		}(worker)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 0, heap.BlockCount())
}

func TestStatistics(t *testing.T) {
	heap := newTestHeap(t, CreateOptions{PreferredBlockSize: pageSize})
	defer destroyTestHeap(t, heap)

	a, err := heap.Allocate(100)
	require.NoError(t, err)
	b, err := heap.Allocate(200)
	require.NoError(t, err)

	var stats memutils.Statistics
	heap.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		BlockBytes:      pageSize,
		AllocationCount: 2,
		AllocationBytes: 304,
	}, stats)

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	heap.AddDetailedStatistics(&detailed)
	require.Equal(t, 1, detailed.UnusedRangeCount)
	require.Equal(t, pageSize-304-3*metadata.ChunkOverhead, detailed.UnusedRangeBytes)
	require.Equal(t, detailed.UnusedRangeBytes, heap.FreeListBytes())
	require.Equal(t, 104, detailed.AllocationSizeMin)
	require.Equal(t, 200, detailed.AllocationSizeMax)

	var parsed struct {
		General struct {
			PageSize      int
			ChunkOverhead int
		}
		Total struct {
			BlockCount       int
			AllocationCount  int
			UnusedRangeBytes int
		}
		Blocks map[string]struct {
			TotalBytes   int
			UnusedBytes  int
			Allocations  int
			UnusedRanges int
			Chunks       []struct {
				Offset int
				Type   string
				Size   int
			}
		}
	}
	require.NoError(t, json.Unmarshal([]byte(heap.BuildStatsString(true)), &parsed))

	require.Equal(t, pageSize, parsed.General.PageSize)
	require.Equal(t, metadata.ChunkOverhead, parsed.General.ChunkOverhead)
	require.Equal(t, 1, parsed.Total.BlockCount)
	require.Equal(t, 2, parsed.Total.AllocationCount)
	require.Len(t, parsed.Blocks, 1)

	block := parsed.Blocks["0"]
	require.Equal(t, pageSize, block.TotalBytes)
	require.Equal(t, 2, block.Allocations)
	require.Equal(t, 1, block.UnusedRanges)
	require.Len(t, block.Chunks, 3)
	require.Equal(t, "ALLOCATED", block.Chunks[0].Type)
	require.Equal(t, 0, block.Chunks[0].Offset)
	require.Equal(t, 104, block.Chunks[0].Size)
	require.Equal(t, 120, block.Chunks[1].Offset)
	require.Equal(t, "FREE", block.Chunks[2].Type)

	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(heap.BuildStatsString(false)), &summary))
	require.NotContains(t, summary, "Blocks")

	require.NoError(t, heap.Free(a))
	require.NoError(t, heap.Free(b))
}

func TestDestroyWithLiveAllocations(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	heap, err := New(logger, CreateOptions{})
	require.NoError(t, err)

	_, err = heap.Allocate(100)
	require.NoError(t, err)
	require.Contains(t, logs.String(), "Created new block")

	require.Error(t, heap.Destroy())
	require.Contains(t, logs.String(), "[UNRELEASED MEMORY] unfreed allocation")
	require.Equal(t, 0, heap.memory.BlockCount())

	_, err = heap.Allocate(100)
	require.ErrorIs(t, err, ErrHeapDestroyed)
	require.ErrorIs(t, heap.Free(nil), ErrHeapDestroyed)
	require.ErrorIs(t, heap.Destroy(), ErrHeapDestroyed)
}

func TestReclaimLogsDeletedBlock(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	heap, err := New(logger, CreateOptions{})
	require.NoError(t, err)
	defer destroyTestHeap(t, heap)

	ptr, err := heap.Allocate(100)
	require.NoError(t, err)
	require.NoError(t, heap.Free(ptr))

	require.Contains(t, logs.String(), "Deleted empty block")
	require.Contains(t, logs.String(), "block.id=0")
}
