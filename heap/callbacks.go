package heap

// AllocateRegionCallback is called after the heap maps a new block from the OS
type AllocateRegionCallback func(
	heap *Heap,
	base uintptr,
	size int,
	userData any,
)

// FreeRegionCallback is called just before the heap returns a block to the OS
type FreeRegionCallback func(
	heap *Heap,
	base uintptr,
	size int,
	userData any,
)

// MemoryCallbackOptions lets the consumer observe every OS mapping the heap makes. The callbacks
// run while the heap's lock is held, so they must not call back into the heap.
type MemoryCallbackOptions struct {
	Allocate AllocateRegionCallback
	Free     FreeRegionCallback
	UserData any
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Heap      *Heap
}

func (c *memoryCallbacks) Allocate(region []byte) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Heap, regionBase(region), len(region), c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(region []byte) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Heap, regionBase(region), len(region), c.Callbacks.UserData)
	}
}
