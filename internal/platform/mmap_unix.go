//go:build linux || darwin || freebsd

package platform

import (
	"io"

	"golang.org/x/sys/unix"
)

// MmapCodeSegment copies the code in from the reader into a new executable
// mapping. The mapping is created read-write, filled, then flipped to
// read-execute so the address space is never writable and executable at once.
func MmapCodeSegment(code io.Reader, size int) ([]byte, error) {
	if size == 0 {
		panic("BUG: MmapCodeSegment with zero length")
	}
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	if _, err = io.ReadFull(code, buf); err != nil {
		_ = unix.Munmap(buf)
		return nil, err
	}
	if err = unix.Mprotect(buf, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(buf)
		return nil, err
	}
	return buf, nil
}

// MunmapCodeSegment unmaps a segment returned by MmapCodeSegment.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic("BUG: MunmapCodeSegment with zero length")
	}
	return unix.Munmap(code)
}

// ReserveRegion maps size bytes of contiguous PROT_NONE address space. No
// physical pages are committed until parts are made accessible.
func ReserveRegion(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

// ReleaseRegion unmaps a reservation from ReserveRegion.
func ReleaseRegion(region []byte) error {
	return unix.Munmap(region)
}

// ProtectReadWrite makes the given page-aligned span readable and writable.
func ProtectReadWrite(span []byte) error {
	return unix.Mprotect(span, unix.PROT_READ|unix.PROT_WRITE)
}

// ProtectNone revokes all access to the given page-aligned span. The pages
// stay reserved; the kernel may reclaim their backing.
func ProtectNone(span []byte) error {
	return unix.Mprotect(span, unix.PROT_NONE)
}
