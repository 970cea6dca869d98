//go:build unix

package osmem

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

type systemMapper struct {
	pageSize int
}

// System returns the Mapper backed by anonymous private mmap
func System() Mapper {
	return systemMapper{pageSize: unix.Getpagesize()}
}

func (m systemMapper) PageSize() int { return m.pageSize }

func (m systemMapper) Map(size int) ([]byte, error) {
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap of %d bytes failed", size)
	}
	return region, nil
}

func (m systemMapper) Unmap(region []byte) error {
	err := unix.Munmap(region)
	if err != nil {
		return errors.Wrapf(err, "munmap of %d bytes failed", len(region))
	}
	return nil
}
