//go:build !(linux || darwin || freebsd)

package platform

import (
	"fmt"
	"io"
	"runtime"
)

var errUnsupported = fmt.Errorf("%s/%s is not supported", runtime.GOOS, runtime.GOARCH)

func MmapCodeSegment(code io.Reader, size int) ([]byte, error) {
	if size == 0 {
		panic("BUG: MmapCodeSegment with zero length")
	}
	return nil, errUnsupported
}

func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic("BUG: MunmapCodeSegment with zero length")
	}
	return errUnsupported
}

func ReserveRegion(size uint64) ([]byte, error) { return nil, errUnsupported }

func ReleaseRegion(region []byte) error { return errUnsupported }

func ProtectReadWrite(span []byte) error { return errUnsupported }

func ProtectNone(span []byte) error { return errUnsupported }
