// Copyright 2024 The Memalloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memalloc

import (
	"os"
	"unsafe"
)

const mallocAlign = 16 // fundamental alignment; must be >= pointer size

// if n%m != 0 { n += m-n%m }. m must be a power of 2.
func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

var (
	pageSize   = os.Getpagesize()
	pageMask   = pageSize - 1
	headerSize = roundup(int(unsafe.Sizeof(chunkHeader{})), mallocAlign)

	// backRefSize is the slot prefix holding the chunk back-reference
	// (§3). A bare pointer only needs one machine word, but padding it
	// out to a full alignment unit keeps every caller-visible pointer
	// at mallocAlign as long as slot sizes are themselves multiples of
	// mallocAlign (see classTable) — cheaper than aligning per-slot.
	backRefSize = mallocAlign
)

// chunkHeader begins every chunk the allocator maps, bucketed or
// large, per §3. prev/next/occ are meaningful only for bucketed
// chunks; a large chunk leaves them at their zero value.
//
// Chunks live in memory obtained directly from the OS, outside the Go
// heap. None of their fields may hold the sole surviving reference to
// a Go-heap object: arenaIdx is a plain array index into
// Allocator.arenas (itself always reachable through the *Allocator the
// caller holds), and prev/next only ever link a chunk to other chunks
// or to its arena's per-class sentinel — which is itself carved from a
// small OS mapping owned by the Arena (see newArena), not the Go heap.
type chunkHeader struct {
	size     int          // total bytes of the mapping, needed to unmap it
	classID  int          // index into classTable, or classSentinel
	arenaIdx int          // owning arena's index in Allocator.arenas
	prev     *chunkHeader // per-class list links
	next     *chunkHeader
	occ      [occupancyWords]uint64
}

// slotBase returns the address of the first slot in a bucketed chunk,
// immediately following the chunk header.
func (c *chunkHeader) slotBase() uintptr {
	return uintptr(unsafe.Pointer(c)) + uintptr(headerSize)
}

// slotAt returns the address of the i'th slot in a bucketed chunk of
// the given class.
func (c *chunkHeader) slotAt(class *sizeClass, i int) uintptr {
	return c.slotBase() + uintptr(i*class.slotSize)
}

// chunkOf recovers the owning chunk header from a caller-visible
// pointer by stepping back over the slot's back-reference field, then
// dereferencing it (§3, §4.2 "chunk freeing").
func chunkOf(p unsafe.Pointer) *chunkHeader {
	backRefAddr := uintptr(p) - uintptr(backRefSize)
	return *(**chunkHeader)(unsafe.Pointer(backRefAddr))
}

// writeBackRef stamps the chunk pointer into the slot's back-reference
// field and returns the caller-visible address just past it.
func writeBackRef(slotAddr uintptr, c *chunkHeader) unsafe.Pointer {
	*(**chunkHeader)(unsafe.Pointer(slotAddr)) = c
	return unsafe.Pointer(slotAddr + uintptr(backRefSize))
}

// resetSentinel (re)initializes the dummy head of a per-class chunk
// ring in place. Its occupancy map is seeded full so the "find a
// usable chunk" walk terminates on it without a separate end-of-list
// check (§4.2, design notes).
func resetSentinel(s *chunkHeader) {
	*s = chunkHeader{classID: classSentinel}
	for i := range s.occ {
		s.occ[i] = ^uint64(0)
	}
	s.prev, s.next = s, s
}

// linkHead inserts c at the head of the ring whose sentinel is head.
func linkHead(head, c *chunkHeader) {
	c.next = head.next
	c.prev = head
	head.next.prev = c
	head.next = c
}

// unlink removes c from whatever ring it is currently part of.
func unlink(c *chunkHeader) {
	c.prev.next = c.next
	c.next.prev = c.prev
	c.prev, c.next = nil, nil
}
