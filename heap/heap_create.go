package heap

import (
	"io"
	"math"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/tinymalloc/tmalloc/internal/osmem"
	"github.com/tinymalloc/tmalloc/memutils"
	"github.com/tinymalloc/tmalloc/memutils/metadata"
	"golang.org/x/exp/slog"
)

const (
	// defaultBlockPages is the number of pages mapped for a new block when CreateOptions does not
	// provide a PreferredBlockSize and the triggering allocation is smaller than that
	defaultBlockPages int = 16

	// defaultMinAllocationAlignment is natural pointer alignment on 64-bit targets
	defaultMinAllocationAlignment uint = 8

	initialChunkCapacity = 64
	initialBlockCapacity = 8
	blockIndexDegree     = 8
)

// Mapper is the OS capability a Heap draws blocks from. The default is anonymous private mmap.
type Mapper = osmem.Mapper

// CreateOptions contains optional settings when creating a heap
type CreateOptions struct {
	// PreferredBlockSize is the minimum size of a newly mapped block. Allocations larger than
	// this get a block of their own, rounded up to the page size. Zero means 16 pages.
	PreferredBlockSize int

	// MinAllocationAlignment is the granularity every allocation size is rounded up to. It must
	// be a power of two no smaller than 8. Zero means 8.
	MinAllocationAlignment uint

	// SizeLimit caps the number of bytes the heap keeps mapped at once. An allocation that would
	// need a new block past the limit fails with ErrOutOfMemory. Zero means no limit.
	SizeLimit int

	// Mapper replaces the system mmap capability. It is mostly useful for tests.
	Mapper Mapper

	// MemoryCallbacks is an optional set of callbacks that will be executed whenever the heap
	// maps or unmaps a block
	MemoryCallbacks *MemoryCallbackOptions
}

// New creates a Heap. logger may be nil, in which case nothing is logged.
func New(logger *slog.Logger, options CreateOptions) (*Heap, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	heap := &Heap{
		logger:                 logger,
		minAllocationAlignment: options.MinAllocationAlignment,
		preferredBlockSize:     options.PreferredBlockSize,

		chunks:     metadata.NewTable[metadata.Chunk](initialChunkCapacity),
		blocks:     metadata.NewTable[memoryBlock](initialBlockCapacity),
		blockHead:  metadata.NoHandle,
		freeHead:   metadata.NoHandle,
		allocated:  swiss.NewMap[uintptr, metadata.Handle](initialChunkCapacity),
		blockIndex: btree.NewG[blockRange](blockIndexDegree, blockRangeLess),
	}

	if heap.minAllocationAlignment == 0 {
		heap.minAllocationAlignment = defaultMinAllocationAlignment
	}

	err := memutils.CheckPow2(heap.minAllocationAlignment, "CreateOptions.MinAllocationAlignment")
	if err != nil {
		return nil, err
	}

	if heap.minAllocationAlignment < defaultMinAllocationAlignment {
		return nil, errors.Newf("CreateOptions.MinAllocationAlignment must be at least %d, but was %d", defaultMinAllocationAlignment, heap.minAllocationAlignment)
	}

	if heap.preferredBlockSize < 0 {
		return nil, errors.Newf("CreateOptions.PreferredBlockSize must not be negative, but was %d", heap.preferredBlockSize)
	}

	callbacks := &memoryCallbacks{
		Callbacks: options.MemoryCallbacks,
		Heap:      heap,
	}

	heap.memory, err = osmem.NewMemory(options.Mapper, callbacks, options.SizeLimit)
	if err != nil {
		return nil, err
	}

	pageSize := heap.memory.PageSize()
	if heap.preferredBlockSize == 0 {
		heap.preferredBlockSize = defaultBlockPages * pageSize
	}
	heap.preferredBlockSize = memutils.AlignUp(heap.preferredBlockSize, uint(pageSize))

	// Leave room for the chunk header and page rounding so block sizes never overflow
	heap.maxAllocationSize = memutils.AlignDown(math.MaxInt-metadata.ChunkOverhead-2*pageSize, heap.minAllocationAlignment)

	return heap, nil
}

// MaxAllocationSize is the largest size Allocate will attempt to satisfy
func (h *Heap) MaxAllocationSize() int { return h.maxAllocationSize }

// PreferredBlockSize is the minimum size of a newly mapped block
func (h *Heap) PreferredBlockSize() int { return h.preferredBlockSize }

// MinAllocationAlignment is the granularity allocation sizes are rounded up to
func (h *Heap) MinAllocationAlignment() uint { return h.minAllocationAlignment }

// PageSize is the mapping granularity of the heap's Mapper
func (h *Heap) PageSize() int { return h.memory.PageSize() }

func regionBase(region []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(region)))
}
