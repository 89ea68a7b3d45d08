// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd

// Modifications (c) 2024 The Memalloc Authors.

package memalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmap obtains a private, anonymous, read/write mapping of at least
// size bytes from the kernel (§4.1). Every caller in this package
// rounds size up to a whole number of pages before calling mmap.
func mmap(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}

	if uintptr(unsafe.Pointer(&b[0]))&uintptr(pageMask) != 0 {
		panic("memalloc: kernel returned a non-page-aligned mapping")
	}

	return b, nil
}

// unmap releases a mapping obtained from mmap. size must equal the
// size passed to the matching mmap call.
func unmap(addr unsafe.Pointer, size int) error {
	return unix.Munmap(unsafe.Slice((*byte)(addr), size))
}
