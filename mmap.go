// {{{ Copyright (c) Paul R. Tagliamonte <paultag@gmail.com> 2020-2021
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE. }}}

package plasmite

import (
	"fmt"
	"syscall"
	"unsafe"
)

// Raw mmap/munmap plumbing, descended from the ring buffer's own
// syscall.go. Unlike the ring buffer, a plasmite pool does not need the
// double virtual-address mapping trick (mmap 2x, then two fixed
// sub-mappings so a write never has to split across the physical end):
// WRAP frames already give the writer an explicit, on-disk way to handle
// the ring's physical boundary, so a single whole-file mapping suffices.

// mmapFile maps the whole of fd (size bytes, from offset 0) read/write
// shared, and returns it as an addressable byte slice.
func mmapFile(fd int, size uintptr) ([]byte, error) {
	base, _, errno := syscall.Syscall6(syscall.SYS_MMAP, 0, size,
		uintptr(syscall.PROT_READ|syscall.PROT_WRITE),
		uintptr(syscall.MAP_SHARED), uintptr(fd), 0)
	if errno != 0 {
		return nil, fmt.Errorf("mmap: errno %d", errno)
	}
	return asByteSlice(base, int(size)), nil
}

// munmapFile unmaps a slice previously returned by mmapFile.
func munmapFile(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	base := uintptr(unsafe.Pointer(&b[0]))
	_, _, errno := syscall.Syscall(syscall.SYS_MUNMAP, base, uintptr(len(b)), 0)
	if errno != 0 {
		return fmt.Errorf("munmap: errno %d", errno)
	}
	return nil
}

// msyncRange flushes the pages covering [off, off+length) of a mapping
// that starts at mapping[0], for Flush-durability appends (§4.6 step 8).
// The address passed to msync must be page-aligned, so the range is
// widened down to the containing page boundary first.
func msyncRange(mapping []byte, off, length uint64) error {
	if len(mapping) == 0 || length == 0 {
		return nil
	}
	pageSize := uint64(syscall.Getpagesize())
	alignedOff := (off / pageSize) * pageSize
	alignedLen := (off + length) - alignedOff
	base := uintptr(unsafe.Pointer(&mapping[0])) + uintptr(alignedOff)
	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC, base, uintptr(alignedLen), uintptr(syscallMsSync))
	if errno != 0 {
		return fmt.Errorf("msync: errno %d", errno)
	}
	return nil
}

// syscallMsSync is MS_SYNC, not exported by the syscall package on every
// platform this module targets, so it is named here rather than imported.
const syscallMsSync = 0x4

// asByteSlice turns a raw mmap base address and length into an addressable
// Go byte slice, the same unsafe header-reinterpretation the ring buffer
// uses to bridge a uintptr address into slice form.
func asByteSlice(base uintptr, size int) []byte {
	var b = struct {
		addr uintptr
		len  int
		cap  int
	}{base, size, size}
	return *(*[]byte)(unsafe.Pointer(&b))
}
