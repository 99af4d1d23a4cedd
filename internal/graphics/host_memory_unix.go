//go:build linux || darwin || freebsd

package graphics

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocHostMemory maps anonymous, page-aligned memory outside the Go heap so
// the region can be pinned and handed to native runtimes.
func allocHostMemory(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return mem, nil
}

func freeHostMemory(mem []byte) error {
	return unix.Munmap(mem)
}
