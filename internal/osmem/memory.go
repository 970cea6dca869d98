package osmem

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/tinymalloc/tmalloc/memutils"
)

// Callbacks are informed of every region that is mapped or unmapped through a Memory
type Callbacks interface {
	Allocate(region []byte)
	Free(region []byte)
}

// Memory hands out regions from a Mapper while tracking how many regions and bytes are currently
// mapped. A non-zero size limit caps the mapped bytes; requests that would exceed it fail with
// ErrSizeLimit before the Mapper is consulted.
type Memory struct {
	// Number of regions currently mapped
	blockCount int32
	// Bytes currently mapped
	blockBytes int64

	mapper    Mapper
	callbacks Callbacks
	pageSize  int
	sizeLimit int
}

// NewMemory creates a Memory over mapper. callbacks may be nil. sizeLimit is the maximum number of
// bytes that may be mapped at once, or 0 for no limit.
func NewMemory(mapper Mapper, callbacks Callbacks, sizeLimit int) (*Memory, error) {
	if mapper == nil {
		mapper = System()
	}

	pageSize := mapper.PageSize()
	err := memutils.CheckPow2(pageSize, "mapper page size")
	if err != nil {
		return nil, err
	}

	if sizeLimit < 0 {
		return nil, errors.Newf("size limit must not be negative, but was %d", sizeLimit)
	}

	return &Memory{
		mapper:    mapper,
		callbacks: callbacks,
		pageSize:  pageSize,
		sizeLimit: sizeLimit,
	}, nil
}

// PageSize returns the mapping granularity in bytes
func (m *Memory) PageSize() int {
	return m.pageSize
}

// SizeLimit returns the configured limit on mapped bytes, or 0 if there is none
func (m *Memory) SizeLimit() int {
	return m.sizeLimit
}

// BlockCount returns the number of regions currently mapped
func (m *Memory) BlockCount() int {
	return int(atomic.LoadInt32(&m.blockCount))
}

// BlockBytes returns the number of bytes currently mapped
func (m *Memory) BlockBytes() int {
	return int(atomic.LoadInt64(&m.blockBytes))
}

func (m *Memory) addBlockAllocation(size int) {
	atomic.AddInt64(&m.blockBytes, int64(size))
	atomic.AddInt32(&m.blockCount, 1)
}

func (m *Memory) addBlockAllocationWithLimit(size int) error {
	for {
		currentVal := atomic.LoadInt64(&m.blockBytes)
		targetVal := currentVal + int64(size)

		if targetVal > int64(m.sizeLimit) {
			return errors.Wrapf(ErrSizeLimit, "mapping %d bytes would bring the total to %d, but the limit is %d", size, targetVal, m.sizeLimit)
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes, currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.blockCount, 1)
	return nil
}

func (m *Memory) removeBlockAllocation(size int) {
	newVal := atomic.AddInt64(&m.blockBytes, int64(-size))
	if newVal < 0 {
		panic(fmt.Sprintf("mapped byte count went negative after releasing %d bytes", size))
	}

	newCountVal := atomic.AddInt32(&m.blockCount, -1)
	if newCountVal < 0 {
		panic("mapped region count went negative")
	}
}

// AllocateRegion maps a new region of exactly size bytes. size must be a positive multiple of
// PageSize.
func (m *Memory) AllocateRegion(size int) (region []byte, err error) {
	if size <= 0 || !memutils.IsAligned(size, m.pageSize) {
		return nil, errors.AssertionFailedf("region size %d is not a positive multiple of the page size %d", size, m.pageSize)
	}

	if m.sizeLimit > 0 {
		err = m.addBlockAllocationWithLimit(size)
		if err != nil {
			return nil, err
		}
	} else {
		m.addBlockAllocation(size)
	}

	defer func() {
		// If we failed out, roll back the counters
		if err != nil {
			m.removeBlockAllocation(size)
		}
	}()

	region, err = m.mapper.Map(size)
	if err != nil {
		return nil, err
	}

	if len(region) != size || !memutils.IsAligned(uintptr(unsafe.Pointer(unsafe.SliceData(region))), uintptr(m.pageSize)) {
		unmapErr := m.mapper.Unmap(region)
		err = errors.Wrapf(ErrBadRegion, "requested %d bytes, received %d bytes at %p", size, len(region), unsafe.SliceData(region))
		if unmapErr != nil {
			err = errors.CombineErrors(err, unmapErr)
		}
		return nil, err
	}

	if m.callbacks != nil {
		m.callbacks.Allocate(region)
	}

	return region, nil
}

// FreeRegion unmaps a region returned by AllocateRegion. The counters are updated even if the
// Mapper reports an error, since the heap will not use the region again either way.
func (m *Memory) FreeRegion(region []byte) error {
	if m.callbacks != nil {
		m.callbacks.Free(region)
	}

	m.removeBlockAllocation(len(region))

	return m.mapper.Unmap(region)
}
