package kernel

import (
	"reflect"
	"unsafe"
)

// Memset sets size bytes at the given virtual address to value. Instead of a
// byte-by-byte loop it doubles the initialized prefix with each copy call so
// clearing a page takes log2(PageSize) copies.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := overlay(addr, size)
	target[0] = value
	for filled := uintptr(1); filled < size; filled *= 2 {
		copy(target[filled:], target[:filled])
	}
}

// overlay returns a byte slice backed by the memory at addr.
func overlay(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))
}
