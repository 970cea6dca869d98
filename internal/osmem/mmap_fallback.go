//go:build !unix

package osmem

import (
	"os"
	"unsafe"
)

type systemMapper struct {
	pageSize int
}

// System returns a Mapper that carves page-aligned regions out of the Go heap. It is used where
// anonymous mmap is not available; the Go heap does not move objects, so addresses stay stable
// for as long as the region is referenced.
func System() Mapper {
	return systemMapper{pageSize: os.Getpagesize()}
}

func (m systemMapper) PageSize() int { return m.pageSize }

func (m systemMapper) Map(size int) ([]byte, error) {
	raw := make([]byte, size+m.pageSize)
	misalignment := int(uintptr(unsafe.Pointer(unsafe.SliceData(raw))) % uintptr(m.pageSize))

	start := 0
	if misalignment != 0 {
		start = m.pageSize - misalignment
	}

	return raw[start : start+size : start+size], nil
}

func (m systemMapper) Unmap(region []byte) error {
	return nil
}
