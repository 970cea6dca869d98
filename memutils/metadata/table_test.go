package metadata_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/tinymalloc/tmalloc/memutils/metadata"
)

type record struct {
	value int
}

func TestTableAllocRelease(t *testing.T) {
	table := metadata.NewTable[record](2)

	h0, r0 := table.Alloc()
	r0.value = 10
	h1, r1 := table.Alloc()
	r1.value = 11
	h2, r2 := table.Alloc()
	r2.value = 12

	require.Equal(t, metadata.Handle(0), h0)
	require.Equal(t, metadata.Handle(1), h1)
	require.Equal(t, metadata.Handle(2), h2)
	require.Equal(t, 3, table.Len())

	require.Equal(t, 10, table.Get(h0).value)
	require.Equal(t, 12, table.Get(h2).value)

	table.Release(h1)
	require.Equal(t, 2, table.Len())
	require.False(t, table.IsLive(h1))

	// Released slots are reused and come back zeroed
	reused, record := table.Alloc()
	require.Equal(t, h1, reused)
	require.Equal(t, 0, record.value)
	require.Equal(t, 3, table.Len())
}

func TestTableMisuse(t *testing.T) {
	table := metadata.NewTable[record](0)

	require.False(t, table.IsLive(metadata.NoHandle))
	require.False(t, table.IsLive(5))

	handle, _ := table.Alloc()
	table.Release(handle)

	require.Panics(t, func() { table.Get(handle) })
	require.Panics(t, func() { table.Release(handle) })
	require.Panics(t, func() { table.Get(metadata.NoHandle) })
}

func TestTableVisit(t *testing.T) {
	table := metadata.NewTable[record](4)

	for i := 0; i < 4; i++ {
		_, r := table.Alloc()
		r.value = i
	}
	table.Release(2)

	var seen []int
	err := table.Visit(func(handle metadata.Handle, r *record) error {
		seen = append(seen, r.value)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 3}, seen)

	stop := errors.New("stop")
	count := 0
	err = table.Visit(func(handle metadata.Handle, r *record) error {
		count++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, count)
}
