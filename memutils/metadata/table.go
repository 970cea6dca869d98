package metadata

import "fmt"

// Table is an arena of records addressed by Handle. Released slots are kept on a
// free stack and handed out again before the backing slice grows.
//
// Table is not safe for concurrent use; its owner is expected to hold a lock.
type Table[T any] struct {
	slots    []T
	live     []bool
	released []Handle
	count    int
}

// NewTable creates a Table with room for capacity records before it needs to grow
func NewTable[T any](capacity int) *Table[T] {
	return &Table[T]{
		slots:    make([]T, 0, capacity),
		live:     make([]bool, 0, capacity),
		released: make([]Handle, 0, capacity),
	}
}

// Alloc reserves a zeroed record and returns its handle alongside a pointer to it. The pointer
// is only valid until the next call to Alloc.
func (t *Table[T]) Alloc() (Handle, *T) {
	var handle Handle

	if len(t.released) > 0 {
		handle = t.released[len(t.released)-1]
		t.released = t.released[:len(t.released)-1]

		var zero T
		t.slots[handle] = zero
	} else {
		if uint64(len(t.slots)) >= uint64(NoHandle) {
			panic("metadata table is full")
		}

		handle = Handle(len(t.slots))
		var zero T
		t.slots = append(t.slots, zero)
		t.live = append(t.live, false)
	}

	t.live[handle] = true
	t.count++
	return handle, &t.slots[handle]
}

// Get returns the record for a live handle. Passing a released or unknown handle is a
// programming error and panics.
func (t *Table[T]) Get(handle Handle) *T {
	if !t.IsLive(handle) {
		panic(fmt.Sprintf("metadata table handle %d does not refer to a live record", handle))
	}

	return &t.slots[handle]
}

// IsLive returns true if handle currently refers to a record in this table
func (t *Table[T]) IsLive(handle Handle) bool {
	return handle.Valid() && int(handle) < len(t.slots) && t.live[handle]
}

// Release returns a record's slot to the table so that a later Alloc can reuse it
func (t *Table[T]) Release(handle Handle) {
	if !t.IsLive(handle) {
		panic(fmt.Sprintf("attempted to release metadata table handle %d, which is not live", handle))
	}

	var zero T
	t.slots[handle] = zero
	t.live[handle] = false
	t.released = append(t.released, handle)
	t.count--
}

// Len returns the number of live records
func (t *Table[T]) Len() int {
	return t.count
}

// Visit calls the callback once for every live record, in handle order
func (t *Table[T]) Visit(visit func(handle Handle, record *T) error) error {
	for index := range t.slots {
		if !t.live[index] {
			continue
		}

		err := visit(Handle(index), &t.slots[index])
		if err != nil {
			return err
		}
	}

	return nil
}
