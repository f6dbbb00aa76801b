//go:build unix

package emu

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocRegion allocates size bytes of zeroed RAM for a BAR.
func allocRegion(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap: failed to allocate region memory: %w", err)
	}
	return mem, nil
}

// freeRegion frees memory returned by allocRegion.
func freeRegion(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("mmap: failed to unmap region memory: %w", err)
	}
	return nil
}
