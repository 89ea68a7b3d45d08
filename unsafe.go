// Copyright 2024 The Memalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memalloc

import "unsafe"

// UnsafeMalloc is like Malloc except it returns an unsafe.Pointer
// instead of a []byte, for callers building their own pointer-based
// structures directly on top of the allocator (the literal
// allocate(size) -> pointer of spec.md §6).
func (al *Allocator) UnsafeMalloc(size int) unsafe.Pointer {
	if size < 0 {
		panic("memalloc: invalid Malloc size")
	}
	if size == 0 {
		return nil
	}
	p, _ := al.allocate(size)
	return p
}

// UnsafeFree is like Free except its argument is an unsafe.Pointer
// that must have been returned by UnsafeMalloc or UnsafeRealloc.
func (al *Allocator) UnsafeFree(p unsafe.Pointer) { al.free(p) }

// UnsafeRealloc is like Realloc except its first argument and return
// value are unsafe.Pointer rather than []byte.
func (al *Allocator) UnsafeRealloc(p unsafe.Pointer, size int) unsafe.Pointer {
	switch {
	case p == nil:
		return al.UnsafeMalloc(size)
	case size == 0:
		al.UnsafeFree(p)
		return nil
	}

	oldCap := UnsafeUsableSize(p)
	r := al.UnsafeMalloc(size)
	k := oldCap
	if size < k {
		k = size
	}
	if k > 0 {
		copy(unsafe.Slice((*byte)(r), k), unsafe.Slice((*byte)(p), k))
	}
	al.UnsafeFree(p)
	return r
}

// UnsafeUsableSize is like UsableSize except its argument is an
// unsafe.Pointer previously returned by UnsafeMalloc or UnsafeRealloc.
func UnsafeUsableSize(p unsafe.Pointer) int {
	if p == nil {
		return 0
	}
	c := chunkOf(p)
	if c.classID == classSentinel {
		return largeUsableSize(c)
	}
	return classTable[c.classID].slotSize - backRefSize
}
