package util

import (
	"unsafe"
)

func Load[T any](ptr unsafe.Pointer) T {
	return *(*T)(ptr)
}

func Store[T any](val T, ptr unsafe.Pointer) {
	*(*T)(ptr) = val
}

func BytesSliceToPointer(data []byte) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(data))
}

func PointerAdd(base unsafe.Pointer, offset int) unsafe.Pointer {
	return unsafe.Add(base, offset)
}

// Overlay reinterprets the bytes at data[offset:] as a *T. The caller
// guarantees the range is in bounds and suitably aligned.
func Overlay[T any](data []byte, offset int) *T {
	var zero T
	sz := int(unsafe.Sizeof(zero))
	if offset < 0 || offset+sz > len(data) {
		panic("overlay out of range")
	}
	return (*T)(unsafe.Pointer(&data[offset]))
}

// OverlaySlice reinterprets data[offset:] as a []T of n elements.
func OverlaySlice[T any](data []byte, offset int, n int) []T {
	if n == 0 {
		return nil
	}
	var zero T
	sz := int(unsafe.Sizeof(zero))
	if offset < 0 || offset+sz*n > len(data) {
		panic("overlay slice out of range")
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[offset])), n)
}

// AddressOf returns the host address of data[0].
func AddressOf(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&data[0])))
}
