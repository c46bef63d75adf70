package mempool

import "golang.org/x/sys/unix"

// MapRegion acquires an anonymous mapping of size bytes to serve as a
// pool's backing RAM block.
func MapRegion(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// UnmapRegion releases a region obtained from MapRegion.
func UnmapRegion(mem []byte) error {
	return unix.Munmap(mem)
}
