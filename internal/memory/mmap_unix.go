//go:build unix

package memory

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps size bytes of fd at offset. mmap offsets must be page
// aligned, so the mapping starts at the page holding offset and data is the
// requested window inside it.
func mapFile(fd int, offset int64, size int, writable bool) (mapping, data []byte, err error) {
	if offset < 0 {
		return nil, nil, fmt.Errorf("negative offset %d", offset)
	}
	page := int64(os.Getpagesize())
	start := offset - offset%page
	skip := int(offset - start)

	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	mapping, err = unix.Mmap(fd, start, skip+size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap fd %d: %w", fd, err)
	}
	return mapping, mapping[skip : skip+size], nil
}

func syncFile(mapping []byte) error {
	if err := unix.Msync(mapping, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

func unmapFile(mapping []byte) error {
	if err := unix.Munmap(mapping); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
